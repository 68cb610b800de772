// Package catalog loads, validates, and builds channel definitions. A
// definition is one YAML file describing a channel end to end: identity and
// scripts, the source connector, and the destination chain. The same
// structure round-trips through an XML interchange form used by exports and
// promotion artifacts.
package catalog

import (
	"fmt"

	"github.com/tsmada/interflow/connector/tcp"
	"github.com/tsmada/interflow/engine"
)

// Connector type discriminators.
const (
	TypeTCP           = "tcp"
	TypeChannelWriter = "channel-writer"
)

// SourceDef is the source half of a definition: engine-level pipeline
// settings plus the transport configuration selected by Type.
type SourceDef struct {
	Type                string `yaml:"type" json:"type" xml:"type,attr"`
	engine.SourceConfig `yaml:",inline"`

	TCP *tcp.SourceSettings `yaml:"tcp,omitempty" json:"tcp,omitempty" xml:"tcp,omitempty"`
}

// DestinationDef is one destination of a definition.
type DestinationDef struct {
	Type                     string `yaml:"type" json:"type" xml:"type,attr"`
	engine.DestinationConfig `yaml:",inline"`

	TCP *tcp.DestinationSettings `yaml:"tcp,omitempty" json:"tcp,omitempty" xml:"tcp,omitempty"`

	// TargetChannelID names the channel a channel-writer destination
	// routes into.
	TargetChannelID string `yaml:"targetChannelId,omitempty" json:"targetChannelId,omitempty" xml:"targetChannelId,omitempty"`

	// ValidateHL7Response applies the HL7 ACK validator to TCP responses,
	// downgrading AE/AR acknowledgements to errors.
	ValidateHL7Response bool `yaml:"validateHL7Response,omitempty" json:"validateHL7Response,omitempty" xml:"validateHL7Response,omitempty"`
}

// Definition is a complete channel definition.
type Definition struct {
	engine.ChannelConfig `yaml:",inline"`

	// Dependencies list channel ids this channel routes into or otherwise
	// requires; promotion orders by them.
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty" xml:"dependencies>dependency,omitempty"`

	Source       SourceDef        `yaml:"source" json:"source" xml:"source"`
	Destinations []DestinationDef `yaml:"destinations" json:"destinations" xml:"destinations>destination"`
}

// ScriptChecker compiles a script without running it. The expr executor
// implements it; a nil checker skips script validation.
type ScriptChecker interface {
	Check(script string) error
}

// Validate checks one definition in isolation: the engine-level configs,
// connector settings by type, metaDataId uniqueness, and (when a checker is
// given) that every script compiles.
func (d *Definition) Validate(checker ScriptChecker) error {
	if err := d.ChannelConfig.Validate(); err != nil {
		return err
	}

	switch d.Source.Type {
	case TypeTCP, "":
		if d.Source.TCP == nil {
			return fmt.Errorf("channel %s: source requires tcp settings", d.ID)
		}
		if err := d.Source.TCP.Validate(); err != nil {
			return fmt.Errorf("channel %s source: %w", d.ID, err)
		}
	default:
		return fmt.Errorf("channel %s: unknown source type %q", d.ID, d.Source.Type)
	}

	if len(d.Destinations) == 0 {
		return fmt.Errorf("channel %s: at least one destination is required", d.ID)
	}
	var seen = make(map[int]string, len(d.Destinations))
	for i := range d.Destinations {
		var dst = &d.Destinations[i]
		if err := dst.DestinationConfig.Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", d.ID, err)
		}
		if prior, ok := seen[dst.MetaDataID]; ok {
			return fmt.Errorf("channel %s: destinations %q and %q share metaDataId %d",
				d.ID, prior, dst.Name, dst.MetaDataID)
		}
		seen[dst.MetaDataID] = dst.Name

		switch dst.Type {
		case TypeTCP, "":
			if dst.TCP == nil {
				return fmt.Errorf("channel %s destination %q: requires tcp settings", d.ID, dst.Name)
			}
			if err := dst.TCP.Validate(); err != nil {
				return fmt.Errorf("channel %s destination %q: %w", d.ID, dst.Name, err)
			}
		case TypeChannelWriter:
			if dst.TargetChannelID == "" {
				return fmt.Errorf("channel %s destination %q: targetChannelId is required", d.ID, dst.Name)
			}
			if dst.TargetChannelID == d.ID {
				return fmt.Errorf("channel %s destination %q: routes to itself", d.ID, dst.Name)
			}
		default:
			return fmt.Errorf("channel %s destination %q: unknown type %q", d.ID, dst.Name, dst.Type)
		}
	}

	if checker != nil {
		if err := d.checkScripts(checker); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) checkScripts(checker ScriptChecker) error {
	var scripts = []struct {
		name, text string
	}{
		{"deployScript", d.DeployScript},
		{"undeployScript", d.UndeployScript},
		{"preprocessorScript", d.PreprocessorScript},
		{"postprocessorScript", d.PostprocessorScript},
		{"source filterScript", d.Source.FilterScript},
		{"source transformerScript", d.Source.TransformerScript},
	}
	for i := range d.Destinations {
		var dst = &d.Destinations[i]
		scripts = append(scripts,
			struct{ name, text string }{fmt.Sprintf("destination %q filterScript", dst.Name), dst.FilterScript},
			struct{ name, text string }{fmt.Sprintf("destination %q transformerScript", dst.Name), dst.TransformerScript},
			struct{ name, text string }{fmt.Sprintf("destination %q responseTransformerScript", dst.Name), dst.ResponseTransformerScript},
		)
	}
	for _, s := range scripts {
		if s.text == "" {
			continue
		}
		if err := checker.Check(s.text); err != nil {
			return fmt.Errorf("channel %s: %s: %w", d.ID, s.name, err)
		}
	}
	return nil
}

// ValidateSet checks properties which hold across a whole catalog: unique
// channel ids, no two server-mode sources bound to one port, and channel-
// writer targets which exist. Unsatisfied dependency declarations are
// returned as warnings rather than errors; a catalog may reference channels
// deployed elsewhere.
func ValidateSet(defs []*Definition) (warnings []string, _ error) {
	var byID = make(map[string]*Definition, len(defs))
	var ports = make(map[int]string)

	for _, d := range defs {
		if prior, ok := byID[d.ID]; ok {
			return nil, fmt.Errorf("channels %q and %q share id %s", prior.Name, d.Name, d.ID)
		}
		byID[d.ID] = d

		if d.Source.TCP != nil && d.Source.TCP.ServerMode {
			if prior, ok := ports[d.Source.TCP.Port]; ok {
				return nil, fmt.Errorf("channels %s and %s both listen on port %d",
					prior, d.ID, d.Source.TCP.Port)
			}
			ports[d.Source.TCP.Port] = d.ID
		}
	}

	for _, d := range defs {
		for i := range d.Destinations {
			var dst = &d.Destinations[i]
			if dst.Type == TypeChannelWriter {
				if _, ok := byID[dst.TargetChannelID]; !ok {
					return nil, fmt.Errorf("channel %s destination %q: target channel %s is not in the catalog",
						d.ID, dst.Name, dst.TargetChannelID)
				}
			}
		}
		for _, dep := range d.Dependencies {
			if _, ok := byID[dep]; !ok {
				warnings = append(warnings,
					fmt.Sprintf("channel %s depends on %s, which is not in the catalog", d.ID, dep))
			}
		}
	}
	return warnings, nil
}
