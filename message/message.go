package message

import "time"

// Message is the umbrella for one received message: identity, the processed
// flag which flips when the pipeline finishes, and an insertion-ordered
// mapping of metadata id to ConnectorMessage.
type Message struct {
	MessageID    int64
	ServerID     string
	ChannelID    string
	ReceivedDate time.Time
	Processed    bool

	connectorMessages map[int]*ConnectorMessage
	order             []int
}

func NewMessage(messageID int64, serverID, channelID string, receivedDate time.Time) *Message {
	return &Message{
		MessageID:         messageID,
		ServerID:          serverID,
		ChannelID:         channelID,
		ReceivedDate:      receivedDate,
		connectorMessages: make(map[int]*ConnectorMessage),
	}
}

// AddConnectorMessage indexes |cm| under its metadata id. Re-adding an id
// replaces the value but keeps its original position.
func (m *Message) AddConnectorMessage(cm *ConnectorMessage) {
	if _, ok := m.connectorMessages[cm.MetaDataID]; !ok {
		m.order = append(m.order, cm.MetaDataID)
	}
	m.connectorMessages[cm.MetaDataID] = cm
}

// ConnectorMessage returns the ConnectorMessage of |metaDataID|, or nil.
func (m *Message) ConnectorMessage(metaDataID int) *ConnectorMessage {
	return m.connectorMessages[metaDataID]
}

// Source returns the source ConnectorMessage (metadata id 0), or nil if
// intake hasn't created it yet.
func (m *Message) Source() *ConnectorMessage {
	return m.connectorMessages[0]
}

// ConnectorMessages returns all ConnectorMessages in insertion order.
func (m *Message) ConnectorMessages() []*ConnectorMessage {
	var out = make([]*ConnectorMessage, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.connectorMessages[id])
	}
	return out
}

// Destinations returns the non-source ConnectorMessages in insertion order.
func (m *Message) Destinations() []*ConnectorMessage {
	var out []*ConnectorMessage
	for _, id := range m.order {
		if id != 0 {
			out = append(out, m.connectorMessages[id])
		}
	}
	return out
}

// MergedResponseMap folds every destination's ResponseMap over the source's,
// later destinations winning key collisions. The receiver is not mutated.
func (m *Message) MergedResponseMap() map[string]any {
	var merged = make(map[string]any)
	if src := m.Source(); src != nil {
		for k, v := range src.ResponseMap {
			merged[k] = v
		}
	}
	for _, cm := range m.Destinations() {
		for k, v := range cm.ResponseMap {
			merged[k] = v
		}
	}
	return merged
}
