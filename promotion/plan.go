package promotion

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nsf/jsondiff"
)

// Step is one channel of a promotion plan, in apply order.
type Step struct {
	Artifact Artifact
	// New is set when the target environment has no current revision.
	New bool
	// Diff renders the change against the target's current document;
	// empty when New or when the documents match.
	Diff string
}

// PlanResult is a dependency-ordered promotion.
type PlanResult struct {
	Steps    []Step
	Warnings []string
}

// Plan orders |requested| channel ids from |available| artifacts so that
// every dependency applies before its dependents: requesting ch1→ch2→ch3
// yields ch3, ch2, ch1. Dependencies of a requested channel are promoted
// with it when available; missing dependencies are warnings, since they may
// already exist in the target. Cyclic dependencies are an error. |current|
// holds the target environment's artifacts, for diff rendering; it may be
// nil.
func Plan(available []Artifact, requested []string, current map[string]Artifact) (*PlanResult, error) {
	var byID = make(map[string]Artifact, len(available))
	for _, a := range available {
		byID[a.ChannelID] = a
	}
	for _, id := range requested {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("channel %s has no artifact", id)
		}
	}

	var result = &PlanResult{}

	// Iterative DFS with a visitation color per node: post-order emission
	// puts dependencies ahead of dependents; a gray revisit is a cycle.
	const (
		white = iota
		gray
		black
	)
	var color = make(map[string]int, len(byID))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dependency cycle: %s", strings.Join(append(path, id), " -> "))
		}
		color[id] = gray

		var art = byID[id]
		for _, dep := range art.Dependencies {
			if _, ok := byID[dep]; !ok {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("channel %s depends on %s, which has no artifact; assuming it exists in the target", id, dep))
				continue
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black

		var step = Step{Artifact: art}
		if cur, ok := current[id]; ok {
			step.Diff = renderDiff(cur, art)
		} else {
			step.New = true
		}
		result.Steps = append(result.Steps, step)
		return nil
	}

	for _, id := range requested {
		if err := visit(id, nil); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// renderDiff compares two artifacts structurally, over the JSON projection
// of their parsed definitions, so formatting-only XML differences don't
// show up as changes.
func renderDiff(current, incoming Artifact) string {
	var curJSON, err = artifactJSON(current)
	if err != nil {
		return fmt.Sprintf("(current document unreadable: %v)", err)
	}
	incJSON, err := artifactJSON(incoming)
	if err != nil {
		return fmt.Sprintf("(incoming document unreadable: %v)", err)
	}

	var opts = jsondiff.DefaultConsoleOptions()
	var verdict, text = jsondiff.Compare(curJSON, incJSON, &opts)
	if verdict == jsondiff.FullMatch {
		return ""
	}
	return text
}

func artifactJSON(a Artifact) ([]byte, error) {
	var def, err = a.Definition()
	if err != nil {
		return nil, err
	}
	return json.Marshal(def)
}
