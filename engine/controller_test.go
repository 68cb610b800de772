package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
)

func TestControllerDeployUndeploy(t *testing.T) {
	var c = NewController()
	var ch, _, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-a", Name: "Alpha"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})

	require.NoError(t, c.Deploy(ch))
	require.ErrorContains(t, c.Deploy(ch), "already deployed")

	got, ok := c.Channel("ch-a")
	require.True(t, ok)
	require.Same(t, ch, got)

	require.NoError(t, c.Undeploy(context.Background(), "ch-a"))
	_, ok = c.Channel("ch-a")
	require.False(t, ok)
	require.ErrorContains(t, c.Undeploy(context.Background(), "ch-a"), "not deployed")
}

func TestControllerUndeployStopsRunningChannel(t *testing.T) {
	var c = NewController()
	var ch, src, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-run", Name: "Running"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})

	require.NoError(t, c.Deploy(ch))
	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, c.Undeploy(context.Background(), "ch-run"))
	require.Equal(t, events.StateStopped, ch.State())

	var _, _, stops = src.counts()
	require.Equal(t, 1, stops)
}

func TestControllerChannelsOrdering(t *testing.T) {
	var c = NewController()
	for _, n := range []struct{ id, name string }{
		{"ch-3", "Zeta"},
		{"ch-1", "Alpha"},
		{"ch-2", "Alpha"},
	} {
		var ch, _, _, _ = assembleChannel(t,
			ChannelConfig{ID: n.id, Name: n.name}, nil, &scripting.StubExecutor{})
		require.NoError(t, c.Deploy(ch))
	}

	var ids []string
	for _, ch := range c.Channels() {
		ids = append(ids, ch.ID())
	}
	require.Equal(t, []string{"ch-1", "ch-2", "ch-3"}, ids)
}

func TestControllerStartAllHonorsInitialState(t *testing.T) {
	var c = NewController()

	var started, _, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-started", Name: "A"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}}, &scripting.StubExecutor{})
	var paused, _, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-paused", Name: "B", InitialState: "PAUSED"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}}, &scripting.StubExecutor{})
	var stopped, _, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-stopped", Name: "C", InitialState: "STOPPED"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}}, &scripting.StubExecutor{})
	var disabled, _, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-disabled", Name: "D", Disabled: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}}, &scripting.StubExecutor{})

	for _, ch := range []*Channel{started, paused, stopped, disabled} {
		require.NoError(t, c.Deploy(ch))
	}
	require.NoError(t, c.StartAll(context.Background()))

	require.Equal(t, events.StateStarted, started.State())
	require.Equal(t, events.StatePaused, paused.State())
	require.Equal(t, events.StateStopped, stopped.State())
	require.Equal(t, events.StateStopped, disabled.State())

	require.NoError(t, c.StopAll(context.Background(), false))
	for _, ch := range []*Channel{started, paused, stopped, disabled} {
		require.Equal(t, events.StateStopped, ch.State())
	}
}

func TestControllerRoute(t *testing.T) {
	var c = NewController()
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-route", Name: "Route", StorageMode: "DISABLED"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{}, nil)
	require.NoError(t, c.Deploy(ch))

	// Routing to an unknown or stopped channel fails.
	var _, err = c.Route(context.Background(), "ch-missing", "data", nil)
	require.ErrorContains(t, err, "not deployed")
	_, err = c.Route(context.Background(), "ch-route", "data", nil)
	require.ErrorContains(t, err, "STOPPED")

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	msg, err := c.Route(context.Background(), "ch-route", "MSH|routed", map[string]any{"origin": "upstream"})
	require.NoError(t, err)
	require.Equal(t, message.Sent, msg.ConnectorMessage(1).Status)
	require.Equal(t, []string{"MSH|routed"}, fakes[0].sent)
}
