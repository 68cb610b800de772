package message

import "fmt"

// MetaDataColumnType is the declared type of a custom metadata column.
type MetaDataColumnType string

const (
	ColumnString    MetaDataColumnType = "STRING"
	ColumnNumber    MetaDataColumnType = "NUMBER"
	ColumnBoolean   MetaDataColumnType = "BOOLEAN"
	ColumnTimestamp MetaDataColumnType = "TIMESTAMP"
)

// MetaDataColumn declares one custom metadata column of a channel: its
// persisted column name, its type, and the variable-map key whose value
// populates it. Values are pulled from the ConnectorMessage's maps in
// connector, channel, source order.
type MetaDataColumn struct {
	Name        string             `yaml:"name" json:"name" xml:"name"`
	Type        MetaDataColumnType `yaml:"type" json:"type" xml:"type"`
	MappingName string             `yaml:"mappingName" json:"mappingName" xml:"mappingName"`
}

// Validate checks the column declaration.
func (c MetaDataColumn) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("metadata column requires a name")
	}
	switch c.Type {
	case ColumnString, ColumnNumber, ColumnBoolean, ColumnTimestamp:
		// Pass.
	default:
		return fmt.Errorf("metadata column %s: unknown type %q", c.Name, c.Type)
	}
	if c.MappingName == "" {
		return fmt.Errorf("metadata column %s: requires a mapping name", c.Name)
	}
	return nil
}

// ResolveMetaData extracts the value of |col| from |cm|'s maps, checking the
// connector map, then the channel map, then the source map. It returns nil
// when no map holds the mapping name.
func ResolveMetaData(cm *ConnectorMessage, col MetaDataColumn) any {
	for _, m := range []map[string]any{cm.ConnectorMap, cm.ChannelMap, cm.SourceMap} {
		if v, ok := m[col.MappingName]; ok {
			return v
		}
	}
	return nil
}
