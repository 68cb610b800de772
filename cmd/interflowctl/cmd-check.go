package main

import (
	"fmt"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/tsmada/interflow/catalog"
	"github.com/tsmada/interflow/scripting"
)

type cmdCheck struct {
	Catalog string `long:"catalog" env:"CATALOG" default:"catalog" description:"Directory of channel definition YAML files"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdCheck) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var defs, err = catalog.LoadDir(cmd.Catalog)
	if err != nil {
		return err
	}

	var executor = scripting.NewExprExecutor()
	var failed int
	for _, def := range defs {
		if err := def.Validate(executor); err != nil {
			color.Red("✗ %s: %v", def.ID, err)
			failed++
		} else {
			color.Green("✓ %s (%s)", def.ID, def.Name)
		}
	}

	warnings, err := catalog.ValidateSet(defs)
	if err != nil {
		color.Red("✗ catalog: %v", err)
		failed++
	}
	for _, w := range warnings {
		color.Yellow("! %s", w)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions failed validation", failed, len(defs))
	}
	fmt.Printf("%d channel definitions OK\n", len(defs))
	return nil
}
