package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectorMessage is the unit of work for one connector within one Message:
// metadata id 0 is the source connector, ids 1+ are destinations in their
// declared order. It carries the connector's status, its typed content slots,
// timestamps and error text, and the four variable maps visible to operator
// scripts.
//
// Map semantics: SourceMap is written during intake and is read-only once the
// source filter runs. ChannelMap is shared by reference across every
// destination of one Message. ConnectorMap is private per-connector scratch.
// ResponseMap collects this connector's response and is merged across
// destinations when the Message finalizes.
type ConnectorMessage struct {
	ChannelID     string
	ChannelName   string
	MessageID     int64
	MetaDataID    int
	ServerID      string
	ConnectorName string
	ReceivedDate  time.Time
	ChainID       int

	Status       Status
	SendAttempts int
	SendDate     time.Time
	ResponseDate time.Time

	ErrorCode          int
	ProcessingError    string
	ResponseError      string
	PostProcessorError string

	SourceMap    map[string]any
	ChannelMap   map[string]any
	ConnectorMap map[string]any
	ResponseMap  map[string]any

	content map[ContentType]*Content
}

// NewConnectorMessage returns a ConnectorMessage at status RECEIVED with
// empty, non-nil maps.
func NewConnectorMessage(channelID, channelName string, messageID int64, metaDataID int, serverID string) *ConnectorMessage {
	return &ConnectorMessage{
		ChannelID:    channelID,
		ChannelName:  channelName,
		MessageID:    messageID,
		MetaDataID:   metaDataID,
		ServerID:     serverID,
		ReceivedDate: time.Now(),
		Status:       Received,
		SourceMap:    make(map[string]any),
		ChannelMap:   make(map[string]any),
		ConnectorMap: make(map[string]any),
		ResponseMap:  make(map[string]any),
		content:      make(map[ContentType]*Content),
	}
}

// CloneForDestination derives the destination ConnectorMessage for
// |metaDataID| from the source message |s|. The SourceMap and ChannelMap are
// shared by reference; ConnectorMap and ResponseMap are fresh.
func (s *ConnectorMessage) CloneForDestination(metaDataID int, connectorName string) *ConnectorMessage {
	return &ConnectorMessage{
		ChannelID:     s.ChannelID,
		ChannelName:   s.ChannelName,
		MessageID:     s.MessageID,
		MetaDataID:    metaDataID,
		ServerID:      s.ServerID,
		ConnectorName: connectorName,
		ReceivedDate:  time.Now(),
		ChainID:       1,
		Status:        Received,
		SourceMap:     s.SourceMap,
		ChannelMap:    s.ChannelMap,
		ConnectorMap:  make(map[string]any),
		ResponseMap:   make(map[string]any),
		content:       make(map[ContentType]*Content),
	}
}

// SetContent stores |value| into the |t| content slot, replacing any prior
// value.
func (m *ConnectorMessage) SetContent(t ContentType, value, dataType string) {
	if m.content == nil {
		m.content = make(map[ContentType]*Content)
	}
	m.content[t] = &Content{Value: value, DataType: dataType}
}

// Content returns the |t| content slot, or nil if it was never set.
func (m *ConnectorMessage) Content(t ContentType) *Content {
	return m.content[t]
}

// ContentValue returns the value of the |t| slot, or "" if unset.
func (m *ConnectorMessage) ContentValue(t ContentType) string {
	if c := m.content[t]; c != nil {
		return c.Value
	}
	return ""
}

// ContentTypes returns the slots currently set, in ascending ContentType
// order.
func (m *ConnectorMessage) ContentTypes() []ContentType {
	var out []ContentType
	for t := Raw; t <= SourceMapContent; t++ {
		if m.content[t] != nil {
			out = append(out, t)
		}
	}
	return out
}

// EncodeMap renders a variable map as a JSON object for persistence. Values
// which cannot marshal are rendered with their string form so that a single
// odd value never loses the whole map.
func EncodeMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	var safe = make(map[string]any, len(m))
	for k, v := range m {
		if _, err := json.Marshal(v); err != nil {
			safe[k] = fmt.Sprint(v)
		} else {
			safe[k] = v
		}
	}
	var b, err = json.Marshal(safe)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeMap parses a persisted JSON variable map. An empty input decodes to
// an empty, non-nil map.
func DecodeMap(s string) (map[string]any, error) {
	var out = make(map[string]any)
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding variable map: %w", err)
	}
	return out, nil
}
