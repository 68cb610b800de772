// Package events defines the runtime's event vocabulary and the process-wide
// dispatcher which fans events out to subscribers (the dashboard aggregator,
// live WebSocket streams). Channels and connectors emit; they never block on
// a slow consumer.
package events

// DeployedState is the lifecycle state of a channel.
type DeployedState string

const (
	StateDeploying   DeployedState = "DEPLOYING"
	StateUndeploying DeployedState = "UNDEPLOYING"
	StateStarting    DeployedState = "STARTING"
	StateStarted     DeployedState = "STARTED"
	StatePausing     DeployedState = "PAUSING"
	StatePaused      DeployedState = "PAUSED"
	StateStopping    DeployedState = "STOPPING"
	StateStopped     DeployedState = "STOPPED"
)

// ConnectionStatus is the instantaneous socket state of a connector.
type ConnectionStatus string

const (
	ConnectionIdle         ConnectionStatus = "IDLE"
	ConnectionListening    ConnectionStatus = "LISTENING"
	ConnectionConnecting   ConnectionStatus = "CONNECTING"
	ConnectionConnected    ConnectionStatus = "CONNECTED"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
	ConnectionReceiving    ConnectionStatus = "RECEIVING"
	ConnectionSending      ConnectionStatus = "SENDING"
	ConnectionWaiting      ConnectionStatus = "WAITING_FOR_RESPONSE"
	ConnectionFailure      ConnectionStatus = "FAILURE"
)

// Event is implemented by every event type.
type Event interface {
	EventName() string
}

// StateChange reports a channel lifecycle transition.
type StateChange struct {
	ChannelID   string        `json:"channelId"`
	ChannelName string        `json:"channelName"`
	Previous    DeployedState `json:"previousState"`
	State       DeployedState `json:"state"`
}

func (StateChange) EventName() string { return "stateChange" }

// MessageComplete reports that a message's pipeline finalized.
type MessageComplete struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	MessageID   int64  `json:"messageId"`
}

func (MessageComplete) EventName() string { return "messageComplete" }

// ConnectionStatusEvent reports a connector's socket state at each
// meaningful boundary of its work.
type ConnectionStatusEvent struct {
	ChannelID     string           `json:"channelId"`
	MetaDataID    int              `json:"metaDataId"`
	ConnectorName string           `json:"connectorName,omitempty"`
	State         ConnectionStatus `json:"state"`
	Info          string           `json:"info,omitempty"`
}

func (ConnectionStatusEvent) EventName() string { return "connectionStatus" }

// ConnectorCount adjusts a connector's open-connection count; one increment
// is paired with one decrement so that aggregate counts stay consistent.
type ConnectorCount struct {
	ChannelID  string `json:"channelId"`
	MetaDataID int    `json:"metaDataId"`
	Increment  bool   `json:"increment"`
}

func (ConnectorCount) EventName() string { return "connectorCount" }

// ErrorEvent reports a contained processing error.
type ErrorEvent struct {
	ChannelID  string `json:"channelId"`
	MetaDataID int    `json:"metaDataId"`
	Code       int    `json:"code"`
	Text       string `json:"text"`
}

func (ErrorEvent) EventName() string { return "error" }
