// Package connector defines the contracts between a channel and its source
// and destination connectors. Concrete transports (TCP/MLLP, channel
// writers) implement these interfaces; the engine owns filter, transformer
// and queue semantics above them.
package connector

import (
	"context"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
)

// MessageReceiver is the dispatcher handle a source connector uses to hand
// an inbound payload to its channel. The returned Message reflects however
// far the pipeline ran synchronously.
type MessageReceiver interface {
	Dispatch(ctx context.Context, rawData string, sourceMap map[string]any) (*message.Message, error)
}

// EventSink receives runtime events from connectors. Implementations never
// block.
type EventSink interface {
	Post(ev events.Event)
}

// Env is the immutable wiring a connector receives when started. Connectors
// hold it rather than a back-pointer to their channel.
type Env struct {
	ChannelID     string
	ChannelName   string
	MetaDataID    int
	ConnectorName string

	// Receiver is set for source connectors only.
	Receiver MessageReceiver
	Events   EventSink
}

// PostConnectionStatus emits a connection-status event for this connector.
func (e Env) PostConnectionStatus(state events.ConnectionStatus, info string) {
	if e.Events == nil {
		return
	}
	e.Events.Post(events.ConnectionStatusEvent{
		ChannelID:     e.ChannelID,
		MetaDataID:    e.MetaDataID,
		ConnectorName: e.ConnectorName,
		State:         state,
		Info:          info,
	})
}

// PostConnectorCount adjusts this connector's open-connection count.
func (e Env) PostConnectorCount(increment bool) {
	if e.Events == nil {
		return
	}
	e.Events.Post(events.ConnectorCount{
		ChannelID:  e.ChannelID,
		MetaDataID: e.MetaDataID,
		Increment:  increment,
	})
}

// Source produces messages for a channel. Start must not block: sources run
// their receive loops on their own tasks under |ctx| and stop them when
// either |ctx| cancels or Stop is called. Stop blocks until teardown
// completes and may be followed by another Start (pause / resume).
type Source interface {
	Name() string
	// DataType declares the inbound payload type recorded on RAW content.
	DataType() string
	OnDeploy(ctx context.Context) error
	Start(ctx context.Context, env Env) error
	Stop() error
}

// Destination emits messages for a channel. Send delivers the ENCODED (or
// RAW) content of |cm|, records what was written into the SENT content slot,
// and returns the remote response, if any.
type Destination interface {
	Name() string
	OnDeploy(ctx context.Context) error
	Start(ctx context.Context, env Env) error
	Stop() error
	Send(ctx context.Context, cm *message.ConnectorMessage) (*message.Response, error)
}

// ResponseValidator inspects a destination response and may override its
// status, as when an HL7 application reject arrives on an otherwise
// successful send.
type ResponseValidator interface {
	Validate(resp *message.Response, cm *message.ConnectorMessage) *message.Response
}

// Router dispatches a payload into another channel by id. The engine's
// controller implements it for channel-writer destinations.
type Router interface {
	Route(ctx context.Context, channelID, rawData string, sourceMap map[string]any) (*message.Message, error)
}
