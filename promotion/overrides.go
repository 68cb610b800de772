package promotion

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/tsmada/interflow/catalog"
)

// Overrides carry per-environment JSON merge patches (RFC 7386), keyed by
// environment name. A patch is applied to the JSON projection of the
// artifact's definition before the artifact lands, so a target environment
// can rewrite hosts, ports, or storage modes without forking the document.
type Overrides map[string]json.RawMessage

// ApplyOverride rewrites |artifact| with the merge patch for |environment|.
// An environment without an override returns the artifact unchanged.
func (o Overrides) ApplyOverride(artifact Artifact, environment string) (Artifact, error) {
	var patch, ok = o[environment]
	if !ok {
		return artifact, nil
	}

	var def, err = artifact.Definition()
	if err != nil {
		return Artifact{}, fmt.Errorf("channel %s: %w", artifact.ChannelID, err)
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return Artifact{}, fmt.Errorf("channel %s: encoding definition: %w", artifact.ChannelID, err)
	}
	patched, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return Artifact{}, fmt.Errorf("channel %s: applying %s override: %w", artifact.ChannelID, environment, err)
	}

	var out catalog.Definition
	if err = json.Unmarshal(patched, &out); err != nil {
		return Artifact{}, fmt.Errorf("channel %s: %s override produced an invalid definition: %w",
			artifact.ChannelID, environment, err)
	}
	if out.ID != artifact.ChannelID {
		return Artifact{}, fmt.Errorf("channel %s: %s override may not change the channel id",
			artifact.ChannelID, environment)
	}

	doc, err = catalog.ExportXML(&out)
	if err != nil {
		return Artifact{}, fmt.Errorf("channel %s: %w", artifact.ChannelID, err)
	}
	return Artifact{
		ChannelID:    out.ID,
		Name:         out.Name,
		Revision:     out.Revision,
		Dependencies: out.Dependencies,
		XML:          doc,
	}, nil
}

// LoadOverrides parses an overrides document: a JSON object of environment
// name to merge patch.
func LoadOverrides(raw []byte) (Overrides, error) {
	var out Overrides
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing overrides: %w", err)
	}
	return out, nil
}
