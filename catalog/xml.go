package catalog

import (
	"encoding/xml"
	"fmt"
)

// xmlDefinition wraps Definition with the interchange document's root
// element. The field tags on Definition and its embedded configs carry the
// element names, so YAML and XML forms stay in lockstep.
type xmlDefinition struct {
	XMLName xml.Name `xml:"channel"`
	Definition
}

// ExportXML renders |def| as an interchange document.
func ExportXML(def *Definition) ([]byte, error) {
	var out, err = xml.MarshalIndent(xmlDefinition{Definition: *def}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding channel %s: %w", def.ID, err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// ImportXML parses an interchange document back into a Definition. The
// result is parsed only; callers validate before building.
func ImportXML(raw []byte) (*Definition, error) {
	var doc xmlDefinition
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding channel document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("channel document has no id")
	}
	return &doc.Definition, nil
}
