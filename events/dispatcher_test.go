package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherFanOut(t *testing.T) {
	var d = NewDispatcher()
	var a, cancelA = d.Subscribe(4)
	var b, cancelB = d.Subscribe(4)
	defer cancelB()

	d.Post(StateChange{ChannelID: "c1", Previous: StateStopped, State: StateStarting})

	require.Equal(t, "stateChange", (<-a).EventName())
	var got = (<-b).(StateChange)
	require.Equal(t, StateStarting, got.State)

	// After cancel, A receives nothing further and its channel closes.
	cancelA()
	d.Post(MessageComplete{ChannelID: "c1", MessageID: 9})

	var _, open = <-a
	require.False(t, open)
	require.Equal(t, int64(9), (<-b).(MessageComplete).MessageID)
}

func TestDispatcherDropsOnFullBuffer(t *testing.T) {
	var d = NewDispatcher()
	var ch, cancel = d.Subscribe(1)
	defer cancel()

	d.Post(ErrorEvent{Text: "first"})
	d.Post(ErrorEvent{Text: "second"}) // Dropped; the buffer is full.

	require.Equal(t, int64(1), d.Dropped())
	require.Equal(t, "first", (<-ch).(ErrorEvent).Text)

	d.Post(ErrorEvent{Text: "third"})
	require.Equal(t, "third", (<-ch).(ErrorEvent).Text)
}

func TestCancelIsIdempotent(t *testing.T) {
	var d = NewDispatcher()
	var _, cancel = d.Subscribe(1)
	cancel()
	cancel() // Second cancel must not panic on the closed channel.
	d.Post(ErrorEvent{Text: "x"})
}
