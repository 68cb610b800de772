package catalog

import (
	"fmt"

	"github.com/tsmada/interflow/connector"
	"github.com/tsmada/interflow/connector/tcp"
	"github.com/tsmada/interflow/engine"
)

// Build assembles a runnable channel from |def|. The router serves any
// channel-writer destinations; it may be nil when the definition has none.
func Build(def *Definition, router connector.Router, deps engine.Deps) (*engine.Channel, error) {
	var source connector.Source
	switch def.Source.Type {
	case TypeTCP, "":
		if def.Source.TCP == nil {
			return nil, fmt.Errorf("channel %s: source requires tcp settings", def.ID)
		}
		var err error
		if source, err = tcp.NewReceiver(*def.Source.TCP); err != nil {
			return nil, fmt.Errorf("channel %s: %w", def.ID, err)
		}
	default:
		return nil, fmt.Errorf("channel %s: unknown source type %q", def.ID, def.Source.Type)
	}

	var bindings = make([]engine.DestinationBinding, 0, len(def.Destinations))
	for i := range def.Destinations {
		var dst = &def.Destinations[i]
		var binding = engine.DestinationBinding{Config: dst.DestinationConfig}

		switch dst.Type {
		case TypeTCP, "":
			if dst.TCP == nil {
				return nil, fmt.Errorf("channel %s destination %q: requires tcp settings", def.ID, dst.Name)
			}
			var transport, err = tcp.NewDispatcher(*dst.TCP)
			if err != nil {
				return nil, fmt.Errorf("channel %s destination %q: %w", def.ID, dst.Name, err)
			}
			binding.Transport = transport
			if dst.ValidateHL7Response {
				binding.Validator = tcp.AckValidator{}
			}
		case TypeChannelWriter:
			var writer, err = connector.NewChannelWriter(dst.TargetChannelID, router)
			if err != nil {
				return nil, fmt.Errorf("channel %s destination %q: %w", def.ID, dst.Name, err)
			}
			binding.Transport = writer
		default:
			return nil, fmt.Errorf("channel %s destination %q: unknown type %q", def.ID, dst.Name, dst.Type)
		}
		bindings = append(bindings, binding)
	}

	return engine.NewChannel(def.ChannelConfig, def.Source.SourceConfig, source, bindings, deps)
}

// BuildAll builds and deploys every definition onto |controller|, which also
// serves as the router for channel-writer destinations. Definitions must
// already be validated as a set.
func BuildAll(defs []*Definition, controller *engine.Controller, deps engine.Deps) error {
	for _, def := range defs {
		var ch, err = Build(def, controller, deps)
		if err != nil {
			return err
		}
		if err = controller.Deploy(ch); err != nil {
			return err
		}
	}
	return nil
}
