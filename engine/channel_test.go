package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/scripting"
)

// assembleChannel is buildChannel without the store, with the dispatcher
// exposed for event assertions.
func assembleChannel(t *testing.T, cfg ChannelConfig, dcfgs []DestinationConfig, exec scripting.Executor) (*Channel, *fakeSource, []*fakeDestination, *events.Dispatcher) {
	var src = &fakeSource{}
	var disp = events.NewDispatcher()
	var fakes []*fakeDestination
	var bindings []DestinationBinding
	for _, dc := range dcfgs {
		var f = &fakeDestination{name: dc.Name}
		fakes = append(fakes, f)
		bindings = append(bindings, DestinationBinding{Config: dc, Transport: f})
	}

	var ch, err = NewChannel(cfg, SourceConfig{RespondAfterProcessing: true}, src, bindings, Deps{
		Executor: exec,
		Events:   disp,
		ServerID: "server-a",
	})
	require.NoError(t, err)
	return ch, src, fakes, disp
}

func drainStates(evs <-chan events.Event) []events.DeployedState {
	var out []events.DeployedState
	for {
		select {
		case ev := <-evs:
			if sc, ok := ev.(events.StateChange); ok {
				out = append(out, sc.State)
			}
		default:
			return out
		}
	}
}

func TestChannelLifecycleStates(t *testing.T) {
	var exec = &scripting.StubExecutor{}
	var ch, src, fakes, disp = assembleChannel(t,
		ChannelConfig{
			ID:             "ch-life",
			Name:           "Lifecycle",
			DeployScript:   "on-deploy",
			UndeployScript: "on-undeploy",
		},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		exec)

	var evs, cancel = disp.Subscribe(32)
	defer cancel()

	require.Equal(t, events.StateStopped, ch.State())
	require.NoError(t, ch.Start(context.Background()))
	require.Equal(t, events.StateStarted, ch.State())
	require.Equal(t,
		[]events.DeployedState{events.StateDeploying, events.StateStarting, events.StateStarted},
		drainStates(evs))

	var _, starts, _ = src.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, fakes[0].starts)
	require.Equal(t, 1, exec.CallCount("on-deploy"))

	// Starting a started channel is an error.
	require.Error(t, ch.Start(context.Background()))

	require.NoError(t, ch.Stop(context.Background()))
	require.Equal(t, events.StateStopped, ch.State())
	require.Equal(t,
		[]events.DeployedState{events.StateStopping, events.StateUndeploying, events.StateStopped},
		drainStates(evs))
	require.Equal(t, 1, exec.CallCount("on-undeploy"))

	var _, _, stops = src.counts()
	require.Equal(t, 1, stops)
	require.Equal(t, 1, fakes[0].stops)
}

func TestStartRollsBackOnDestinationFailure(t *testing.T) {
	var ch, src, fakes, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-rollback", Name: "Rollback"},
		[]DestinationConfig{
			{MetaDataID: 1, Name: "Dst1"},
			{MetaDataID: 2, Name: "Dst2"},
		},
		&scripting.StubExecutor{})
	fakes[1].failStart = errors.New("bind: address already in use")

	var err = ch.Start(context.Background())
	require.ErrorContains(t, err, "address already in use")
	require.Equal(t, events.StateStopped, ch.State())

	// The destination that did start was stopped again; the source never
	// started at all.
	require.Equal(t, 1, fakes[0].starts)
	require.Equal(t, 1, fakes[0].stops)
	var _, starts, _ = src.counts()
	require.Zero(t, starts)
}

func TestStartRollsBackOnSourceFailure(t *testing.T) {
	var ch, src, fakes, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-srcfail", Name: "SrcFail"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})
	src.failStart = errors.New("listener refused")

	require.ErrorContains(t, ch.Start(context.Background()), "listener refused")
	require.Equal(t, events.StateStopped, ch.State())
	require.Equal(t, 1, fakes[0].starts)
	require.Equal(t, 1, fakes[0].stops)
}

func TestPauseAndResume(t *testing.T) {
	var ch, src, fakes, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-pause", Name: "Pause"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})

	// Pause only applies to a started channel.
	require.Error(t, ch.Pause(context.Background()))

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Pause(context.Background()))
	require.Equal(t, events.StatePaused, ch.State())

	var _, starts, stops = src.counts()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)
	// Destinations keep running while paused.
	require.Zero(t, fakes[0].stops)

	// Pausing again is a no-op, not an error.
	require.NoError(t, ch.Pause(context.Background()))
	_, _, stops = src.counts()
	require.Equal(t, 1, stops)

	require.NoError(t, ch.Resume(context.Background()))
	require.Equal(t, events.StateStarted, ch.State())
	_, starts, _ = src.counts()
	require.Equal(t, 2, starts)

	// Resume of a started channel is an error.
	require.Error(t, ch.Resume(context.Background()))
	require.NoError(t, ch.Stop(context.Background()))
}

func TestStartFromPausedResumesSourceOnly(t *testing.T) {
	var ch, src, fakes, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-resume", Name: "Resume"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Pause(context.Background()))
	require.NoError(t, ch.Start(context.Background()))
	require.Equal(t, events.StateStarted, ch.State())

	var _, starts, _ = src.counts()
	require.Equal(t, 2, starts)
	require.Equal(t, 1, fakes[0].starts)
	require.NoError(t, ch.Stop(context.Background()))
}

func TestStopFromPausedSkipsSourceStop(t *testing.T) {
	var ch, src, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-stoppaused", Name: "StopPaused"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{})

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Pause(context.Background()))
	require.NoError(t, ch.Stop(context.Background()))
	require.Equal(t, events.StateStopped, ch.State())

	// The source already stopped at pause; stop must not stop it twice.
	var _, _, stops = src.counts()
	require.Equal(t, 1, stops)
}

func TestHaltSkipsUndeployScript(t *testing.T) {
	var exec = &scripting.StubExecutor{}
	var ch, _, _, _ = assembleChannel(t,
		ChannelConfig{
			ID:             "ch-halt",
			Name:           "Halt",
			UndeployScript: "on-undeploy",
		},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		exec)

	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Halt(context.Background()))
	require.Equal(t, events.StateStopped, ch.State())
	require.Zero(t, exec.CallCount("on-undeploy"))
}

func TestDeployScriptFailureLeavesChannelStopped(t *testing.T) {
	var exec = &scripting.StubExecutor{Errs: map[string]error{"on-deploy": errors.New("deploy rejected")}}
	var ch, src, _, _ = assembleChannel(t,
		ChannelConfig{ID: "ch-deployfail", Name: "DeployFail", DeployScript: "on-deploy"},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		exec)

	require.ErrorContains(t, ch.Start(context.Background()), "deploy rejected")
	require.Equal(t, events.StateStopped, ch.State())
	var _, starts, _ = src.counts()
	require.Zero(t, starts)
}

func TestNewChannelValidation(t *testing.T) {
	var src = &fakeSource{}

	// Missing id.
	var _, err = NewChannel(ChannelConfig{Name: "x"}, SourceConfig{}, src, nil, Deps{})
	require.Error(t, err)

	// Duplicate destination metadata ids.
	_, err = NewChannel(ChannelConfig{ID: "c", Name: "x"}, SourceConfig{}, src,
		[]DestinationBinding{
			{Config: DestinationConfig{MetaDataID: 1, Name: "A"}, Transport: &fakeDestination{name: "A"}},
			{Config: DestinationConfig{MetaDataID: 1, Name: "B"}, Transport: &fakeDestination{name: "B"}},
		}, Deps{})
	require.ErrorContains(t, err, "duplicate")

	// Destination metadata id zero collides with the source.
	_, err = NewChannel(ChannelConfig{ID: "c", Name: "x"}, SourceConfig{}, src,
		[]DestinationBinding{
			{Config: DestinationConfig{MetaDataID: 0, Name: "A"}, Transport: &fakeDestination{name: "A"}},
		}, Deps{})
	require.Error(t, err)

	// Unknown storage mode.
	_, err = NewChannel(ChannelConfig{ID: "c", Name: "x", StorageMode: "TURBO"}, SourceConfig{}, src, nil, Deps{})
	require.Error(t, err)
}
