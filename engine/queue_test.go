package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/stats"
)

func waitForFinished(t *testing.T, ch *Channel, messageID int64) *message.Message {
	t.Helper()
	var cs = ch.channelStore(context.Background())
	require.NotNil(t, cs)

	var loaded *message.Message
	require.Eventually(t, func() bool {
		var m, err = cs.LoadMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		for _, cm := range m.Destinations() {
			switch cm.Status {
			case message.Sent, message.Error, message.Filtered:
				// Terminal.
			default:
				return false
			}
		}
		loaded = m
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return loaded
}

func TestQueueRetriesUntilSent(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-retry", Name: "Retry"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Flaky",
			QueueEnabled:        true,
			RetryCount:          5,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)
	fakes[0].results = []sendResult{
		{err: errors.New("attempt 1 refused")},
		{err: errors.New("attempt 2 refused")},
	}

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	var msg, err = ch.Dispatch(context.Background(), "MSH|retry", nil)
	require.NoError(t, err)
	// The synchronous attempt failed and the message parked on the queue.
	require.Equal(t, message.Queued, msg.ConnectorMessage(1).Status)

	var loaded = waitForFinished(t, ch, msg.MessageID)
	var dst = loaded.ConnectorMessage(1)
	require.Equal(t, message.Sent, dst.Status)
	require.Equal(t, 3, dst.SendAttempts)
	require.Equal(t, 3, fakes[0].attemptCount())
	require.Equal(t, 1, fakes[0].sendCount())

	var totals = ch.Statistics()
	require.EqualValues(t, 1, totals[1][message.Sent])
	require.EqualValues(t, 0, totals[1][message.Queued])
	require.EqualValues(t, 0, totals[1][message.Error])
}

func TestQueueRetriesExhausted(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-exhaust", Name: "Exhaust"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Down",
			QueueEnabled:        true,
			RetryCount:          2,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)
	fakes[0].results = []sendResult{
		{err: errors.New("down")},
		{err: errors.New("still down")},
		{err: errors.New("never reached")},
	}

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	var msg, err = ch.Dispatch(context.Background(), "MSH|exhaust", nil)
	require.NoError(t, err)

	var loaded = waitForFinished(t, ch, msg.MessageID)
	var dst = loaded.ConnectorMessage(1)
	require.Equal(t, message.Error, dst.Status)
	require.Equal(t, ErrCodeSend, dst.ErrorCode)
	require.Contains(t, dst.ProcessingError, "still down")
	require.Equal(t, 2, fakes[0].attemptCount())

	var totals = ch.Statistics()
	require.EqualValues(t, 1, totals[1][message.Error])
	require.EqualValues(t, 0, totals[1][message.Queued])
	require.EqualValues(t, 0, totals[1][message.Sent])
}

func TestQueueAlwaysDefersFirstAttempt(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-qalways", Name: "QueueAlways"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Deferred",
			QueueAlways:         true,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	var msg, err = ch.Dispatch(context.Background(), "MSH|deferred", nil)
	require.NoError(t, err)

	var loaded = waitForFinished(t, ch, msg.MessageID)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(1).Status)
	require.Equal(t, 1, fakes[0].attemptCount())
	require.EqualValues(t, 1, ch.Statistics()[stats.AggregateID][message.Sent])
}

// Completion pruning re-checks when the queue worker settles a destination:
// a message whose last destination drains through the queue still has its
// content removed.
func TestQueueDrainPrunesOnCompletion(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-qprune", Name: "QueuePrune"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Flaky",
			QueueEnabled:        true,
			RetryCount:          3,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)
	ch.settings.RemoveContentOnCompletion = true
	fakes[0].results = []sendResult{
		{err: errors.New("first attempt refused")},
	}

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	var msg, err = ch.Dispatch(context.Background(), "MSH|prune", nil)
	require.NoError(t, err)
	// The synchronous attempt failed; the finish saw a QUEUED destination
	// and skipped the prune.
	require.Equal(t, message.Queued, msg.ConnectorMessage(1).Status)

	var loaded = waitForFinished(t, ch, msg.MessageID)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(1).Status)

	// The queue send settled the last destination, so content is gone.
	var cs = ch.channelStore(context.Background())
	require.Eventually(t, func() bool {
		var m, lErr = cs.LoadMessage(context.Background(), msg.MessageID)
		return lErr == nil &&
			m.Source().ContentValue(message.Raw) == "" &&
			m.ConnectorMessage(1).ContentValue(message.Raw) == ""
	}, 5*time.Second, 5*time.Millisecond)
}

// A QUEUED row persisted by an earlier run is reloaded into the queue when
// the channel starts.
func TestQueueRehydratesPersistedRows(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-rehydrate", Name: "Rehydrate"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Resumed",
			QueueEnabled:        true,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)

	// Hand-craft the rows a crashed run would have left behind: a processed
	// message whose destination is parked at QUEUED.
	var ctx = context.Background()
	var cs, ok = st.ForChannel(ctx, "ch-rehydrate")
	require.True(t, ok)

	var msg = message.NewMessage(101, "server-a", "ch-rehydrate", time.Now())
	var src = message.NewConnectorMessage("ch-rehydrate", "Rehydrate", 101, 0, "server-a")
	src.ConnectorName = "Source"
	src.Status = message.Transformed
	var dst = src.CloneForDestination(1, "Resumed")
	dst.Status = message.Queued
	dst.SetContent(message.Encoded, "MSH|stranded", "HL7V2")
	msg.AddConnectorMessage(src)
	msg.AddConnectorMessage(dst)

	txn, err := cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.InsertMessage(ctx, msg))
	require.NoError(t, txn.InsertConnectorMessage(ctx, src, false))
	require.NoError(t, txn.InsertConnectorMessage(ctx, dst, false))
	require.NoError(t, txn.StoreContent(ctx, dst, message.Encoded))
	require.NoError(t, txn.SetProcessed(ctx, 101))
	require.NoError(t, txn.Commit())

	require.NoError(t, ch.Start(ctx))
	defer func() { require.NoError(t, ch.Stop(ctx)) }()

	require.Eventually(t, func() bool {
		return fakes[0].sendCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"MSH|stranded"}, fakes[0].sent)

	loaded, err := cs.LoadMessage(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(1).Status)
}
