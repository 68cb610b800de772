package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/tsmada/interflow/promotion"
)

type cmdPromote struct {
	Source      string   `long:"source" env:"SOURCE" default:"export" description:"Directory of exported XML artifacts to promote"`
	Target      string   `long:"target" env:"TARGET" required:"true" description:"Directory of the target environment's artifacts"`
	Channels    []string `long:"channel" description:"Channel id to promote; repeatable, empty promotes every artifact"`
	Overrides   string   `long:"overrides" env:"OVERRIDES" description:"JSON file of per-environment merge-patch overrides"`
	Environment string   `long:"environment" env:"ENVIRONMENT" description:"Override environment name applied before landing"`
	ApprovedBy  []string `long:"approved-by" description:"User approving this promotion; repeatable"`
	Require     int      `long:"require" default:"0" description:"Distinct approvals required before applying"`
	Apply       bool     `long:"apply" description:"Apply the plan; without it the plan is printed only"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdPromote) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	var ctx = context.Background()

	var available, err = promotion.DirSource{Dir: cmd.Source}.List(ctx)
	if err != nil {
		return err
	}

	var current = make(map[string]promotion.Artifact)
	if targets, err := (promotion.DirSource{Dir: cmd.Target}).List(ctx); err == nil {
		for _, a := range targets {
			current[a.ChannelID] = a
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	var requested = cmd.Channels
	if len(requested) == 0 {
		for _, a := range available {
			requested = append(requested, a.ChannelID)
		}
	}

	plan, err := promotion.Plan(available, requested, current)
	if err != nil {
		return err
	}

	if cmd.Overrides != "" && cmd.Environment != "" {
		raw, err := os.ReadFile(cmd.Overrides)
		if err != nil {
			return fmt.Errorf("reading overrides: %w", err)
		}
		overrides, err := promotion.LoadOverrides(raw)
		if err != nil {
			return err
		}
		for i := range plan.Steps {
			if plan.Steps[i].Artifact, err = overrides.ApplyOverride(plan.Steps[i].Artifact, cmd.Environment); err != nil {
				return err
			}
		}
	}

	for _, w := range plan.Warnings {
		color.Yellow("! %s", w)
	}
	for i, step := range plan.Steps {
		var verb = "update"
		if step.New {
			verb = "create"
		}
		color.Cyan("%d. %s %s (revision %d)", i+1, verb, step.Artifact.ChannelID, step.Artifact.Revision)
		if step.Diff != "" {
			fmt.Println(step.Diff)
		}
	}

	if !cmd.Apply {
		fmt.Printf("plan of %d channels; re-run with --apply to land it\n", len(plan.Steps))
		return nil
	}

	var request = promotion.NewRequest(plan, cmd.Require)
	for _, user := range cmd.ApprovedBy {
		if err = request.Approve(user); err != nil {
			return err
		}
	}
	if state := request.State(); state != promotion.StateApproved {
		return fmt.Errorf("request %s is %s: %d distinct approvals required, %d given",
			request.ID, state, cmd.Require, len(request.Approvers()))
	}

	if err = request.Execute(ctx, promotion.DirApplier{Dir: cmd.Target}); err != nil {
		return err
	}
	color.Green("applied %d channels to %s", len(plan.Steps), cmd.Target)
	return nil
}
