// Package dashboard aggregates runtime events into the status the UI
// renders: per-channel lifecycle state, per-connector connection state and
// counts, and completion counters. It serves that status over HTTP and
// streams live events over WebSocket.
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/tsmada/interflow/events"
)

// ConnectorStatus is the dashboard's view of one connector.
type ConnectorStatus struct {
	MetaDataID  int                     `json:"metaDataId"`
	Name        string                  `json:"name,omitempty"`
	State       events.ConnectionStatus `json:"state"`
	Info        string                  `json:"info,omitempty"`
	Connections int                     `json:"connections"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// ChannelStatus is the dashboard's view of one channel.
type ChannelStatus struct {
	ChannelID  string                  `json:"channelId"`
	Name       string                  `json:"name,omitempty"`
	State      events.DeployedState    `json:"state"`
	Completed  int64                   `json:"completed"`
	LastError  string                  `json:"lastError,omitempty"`
	Connectors map[int]ConnectorStatus `json:"connectors,omitempty"`
}

// Aggregator folds the event stream into current status. It is safe for
// concurrent reads while events arrive from many channels.
type Aggregator struct {
	mu       sync.RWMutex
	channels map[string]*ChannelStatus
}

func NewAggregator() *Aggregator {
	return &Aggregator{channels: make(map[string]*ChannelStatus)}
}

// Run consumes |dispatcher| until |ctx| cancels. Typically queued as a task
// alongside the channels which feed it.
func (a *Aggregator) Run(ctx context.Context, dispatcher *events.Dispatcher) {
	var sub, cancel = dispatcher.Subscribe(1024)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			a.Apply(ev)
		}
	}
}

// Apply folds one event into the aggregate.
func (a *Aggregator) Apply(ev events.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev := ev.(type) {
	case events.StateChange:
		var ch = a.channel(ev.ChannelID)
		ch.Name = ev.ChannelName
		ch.State = ev.State

	case events.MessageComplete:
		var ch = a.channel(ev.ChannelID)
		if ev.ChannelName != "" {
			ch.Name = ev.ChannelName
		}
		ch.Completed++

	case events.ConnectionStatusEvent:
		var conn = a.connector(ev.ChannelID, ev.MetaDataID)
		if ev.ConnectorName != "" {
			conn.Name = ev.ConnectorName
		}
		conn.State = ev.State
		conn.Info = ev.Info
		conn.UpdatedAt = time.Now()
		a.channel(ev.ChannelID).Connectors[ev.MetaDataID] = conn

	case events.ConnectorCount:
		var conn = a.connector(ev.ChannelID, ev.MetaDataID)
		if ev.Increment {
			conn.Connections++
		} else if conn.Connections > 0 {
			conn.Connections--
		}
		a.channel(ev.ChannelID).Connectors[ev.MetaDataID] = conn

	case events.ErrorEvent:
		a.channel(ev.ChannelID).LastError = ev.Text
	}
}

// channel returns the mutable status of |channelID|, creating it on first
// sight. Callers hold a.mu.
func (a *Aggregator) channel(channelID string) *ChannelStatus {
	var ch, ok = a.channels[channelID]
	if !ok {
		ch = &ChannelStatus{
			ChannelID:  channelID,
			State:      events.StateStopped,
			Connectors: make(map[int]ConnectorStatus),
		}
		a.channels[channelID] = ch
	}
	return ch
}

func (a *Aggregator) connector(channelID string, metaDataID int) ConnectorStatus {
	var ch = a.channel(channelID)
	var conn, ok = ch.Connectors[metaDataID]
	if !ok {
		conn = ConnectorStatus{MetaDataID: metaDataID, State: events.ConnectionIdle}
	}
	return conn
}

// Snapshot copies the aggregate for serving.
func (a *Aggregator) Snapshot() map[string]ChannelStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out = make(map[string]ChannelStatus, len(a.channels))
	for id, ch := range a.channels {
		var copied = *ch
		copied.Connectors = make(map[int]ConnectorStatus, len(ch.Connectors))
		for k, v := range ch.Connectors {
			copied.Connectors[k] = v
		}
		out[id] = copied
	}
	return out
}

// Channel returns a copy of one channel's status.
func (a *Aggregator) Channel(channelID string) (ChannelStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var ch, ok = a.channels[channelID]
	if !ok {
		return ChannelStatus{}, false
	}
	var copied = *ch
	copied.Connectors = make(map[int]ConnectorStatus, len(ch.Connectors))
	for k, v := range ch.Connectors {
		copied.Connectors[k] = v
	}
	return copied, true
}
