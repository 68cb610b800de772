package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/scripting"
	"github.com/tsmada/interflow/store"
)

// seedCrashedMessage persists |msg| exactly as an interrupted run would have
// left it: the message row unprocessed, every connector message at its
// recorded status, and any content slots already set.
func seedCrashedMessage(t *testing.T, cs *store.ChannelStore, msg *message.Message) {
	t.Helper()
	var ctx = context.Background()

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.InsertMessage(ctx, msg))
	for _, cm := range msg.ConnectorMessages() {
		require.NoError(t, txn.InsertConnectorMessage(ctx, cm, true))
		for _, ct := range cm.ContentTypes() {
			require.NoError(t, txn.StoreContent(ctx, cm, ct))
		}
	}
	require.NoError(t, txn.Commit())
}

func newCrashedMessage(channelID, channelName string, id int64) (*message.Message, *message.ConnectorMessage) {
	var msg = message.NewMessage(id, "server-a", channelID, time.Now())
	var src = message.NewConnectorMessage(channelID, channelName, id, 0, "server-a")
	src.ConnectorName = "Test Source"
	msg.AddConnectorMessage(src)
	return msg, src
}

// A destination checkpointed at PENDING replays its response transformer
// from the stored response. The send itself is never repeated.
func TestPendingDestinationRecovery(t *testing.T) {
	var st = newTestStore(t)
	var exec = &scripting.StubExecutor{Results: map[string]any{"rt": "ACK-REWRITTEN"}}
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-pending", Name: "Pending"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1", ResponseTransformerScript: "rt"}},
		exec, st)

	var msg, src = newCrashedMessage("ch-pending", "Pending", 21)
	src.Status = message.Transformed
	src.SetContent(message.Raw, "MSH|p", "HL7V2")
	src.SetContent(message.Encoded, "MSH|p", "HL7V2")

	var dst = src.CloneForDestination(1, "Dst1")
	dst.Status = message.Pending
	dst.SendAttempts = 1
	dst.SetContent(message.Encoded, "MSH|p", "HL7V2")
	dst.SetContent(message.ResponseContent,
		message.EncodeResponse(message.NewResponse(message.Sent, "ACK|original")), "JSON")
	msg.AddConnectorMessage(dst)

	var cs, ok = st.ForChannel(context.Background(), "ch-pending")
	require.True(t, ok)
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	// Recovery ran during Start. The transport was never touched.
	require.Zero(t, fakes[0].attemptCount())

	var loaded, err = cs.LoadMessage(context.Background(), 21)
	require.NoError(t, err)
	require.True(t, loaded.Processed)

	var recovered = loaded.ConnectorMessage(1)
	require.Equal(t, message.Sent, recovered.Status)
	require.Equal(t, "ACK-REWRITTEN", recovered.ContentValue(message.ResponseTransformed))
	require.Contains(t, recovered.ContentValue(message.ProcessedResponse), "ACK-REWRITTEN")

	require.EqualValues(t, 1, ch.Statistics()[1][message.Sent])
}

// A source interrupted right after intake re-enters the pipeline from its
// stored RAW content.
func TestReceivedSourceReplaysPipeline(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-replay", Name: "Replay"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-replay", "Replay", 31)
	src.Status = message.Received
	src.SetContent(message.Raw, "MSH|replay", "HL7V2")

	var cs, _ = st.ForChannel(context.Background(), "ch-replay")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	require.Equal(t, []string{"MSH|replay"}, fakes[0].sent)

	var loaded, err = cs.LoadMessage(context.Background(), 31)
	require.NoError(t, err)
	require.True(t, loaded.Processed)
	require.Equal(t, message.Transformed, loaded.Source().Status)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(1).Status)
}

// Errored sources are closed out, not retried.
func TestErroredSourceClosedOut(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-srcerr-rec", Name: "SrcErrRec"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-srcerr-rec", "SrcErrRec", 41)
	src.Status = message.Error
	src.ProcessingError = "transformer blew up"

	var cs, _ = st.ForChannel(context.Background(), "ch-srcerr-rec")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	require.Zero(t, fakes[0].attemptCount())

	var loaded, err = cs.LoadMessage(context.Background(), 41)
	require.NoError(t, err)
	require.True(t, loaded.Processed)
	require.Equal(t, message.Error, loaded.Source().Status)
}

// A destination interrupted before its send completed cannot know whether
// the send happened. Without a queue it errors out.
func TestInterruptedPreSendDestinationErrors(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-presend", Name: "PreSend"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{MetaDataID: 1, Name: "Dst1"}},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-presend", "PreSend", 51)
	src.Status = message.Transformed
	src.SetContent(message.Encoded, "MSH|presend", "HL7V2")

	var dst = src.CloneForDestination(1, "Dst1")
	dst.Status = message.Transformed
	dst.SetContent(message.Encoded, "MSH|presend", "HL7V2")
	msg.AddConnectorMessage(dst)

	var cs, _ = st.ForChannel(context.Background(), "ch-presend")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	require.Zero(t, fakes[0].attemptCount())

	var loaded, err = cs.LoadMessage(context.Background(), 51)
	require.NoError(t, err)
	require.True(t, loaded.Processed)

	var recovered = loaded.ConnectorMessage(1)
	require.Equal(t, message.Error, recovered.Status)
	require.Equal(t, ErrCodeSend, recovered.ErrorCode)
	require.Contains(t, recovered.ProcessingError, "interrupted before send completed")
}

// With queueing enabled the same interruption parks the row at QUEUED, and
// rehydration delivers it once.
func TestInterruptedQueueDestinationRequeues(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-requeue", Name: "Requeue"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Dst1",
			QueueEnabled:        true,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-requeue", "Requeue", 61)
	src.Status = message.Transformed
	src.SetContent(message.Encoded, "MSH|requeue", "HL7V2")

	var dst = src.CloneForDestination(1, "Dst1")
	dst.Status = message.Transformed
	dst.SetContent(message.Encoded, "MSH|requeue", "HL7V2")
	msg.AddConnectorMessage(dst)

	var cs, _ = st.ForChannel(context.Background(), "ch-requeue")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		return fakes[0].sendCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	// Exactly one delivery: recovery marks the row QUEUED and leaves the
	// in-memory insert to rehydration.
	require.Equal(t, 1, fakes[0].attemptCount())

	require.Eventually(t, func() bool {
		var loaded, err = cs.LoadMessage(context.Background(), 61)
		return err == nil && loaded.ConnectorMessage(1).Status == message.Sent
	}, 5*time.Second, 5*time.Millisecond)
}

// A source recovered at RECEIVED replays the full pipeline. When that replay
// reaches a queueing destination, the row is parked for rehydration rather
// than pushed directly, so the message is delivered exactly once.
func TestRecoveredReceivedSourceDeliversOnce(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-replay-q", Name: "ReplayQueue"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{{
			MetaDataID:          1,
			Name:                "Dst1",
			QueueAlways:         true,
			RetryIntervalMillis: 1,
		}},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-replay-q", "ReplayQueue", 81)
	src.Status = message.Received
	src.SetContent(message.Raw, "MSH|once", "HL7V2")

	var cs, _ = st.ForChannel(context.Background(), "ch-replay-q")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		return fakes[0].sendCount() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fakes[0].attemptCount())

	require.Eventually(t, func() bool {
		var loaded, err = cs.LoadMessage(context.Background(), 81)
		return err == nil && loaded.ConnectorMessage(1).Status == message.Sent
	}, 5*time.Second, 5*time.Millisecond)

	// One QUEUED increment, one replacing SENT: the queued counter lands on
	// zero instead of going negative.
	var totals = ch.Statistics()
	require.EqualValues(t, 1, totals[1][message.Sent])
	require.EqualValues(t, 0, totals[1][message.Queued])
}

// A destination the dispatch loop never reached runs its full leg during
// recovery.
func TestMissingDestinationLegRuns(t *testing.T) {
	var st = newTestStore(t)
	var ch, _, fakes = buildChannel(t,
		ChannelConfig{ID: "ch-missing", Name: "Missing"},
		SourceConfig{RespondAfterProcessing: true},
		[]DestinationConfig{
			{MetaDataID: 1, Name: "Done"},
			{MetaDataID: 2, Name: "Never Ran"},
		},
		&scripting.StubExecutor{}, st)

	var msg, src = newCrashedMessage("ch-missing", "Missing", 71)
	src.Status = message.Transformed
	src.SetContent(message.Encoded, "MSH|missing", "HL7V2")

	// Destination 1 already finished before the crash; destination 2 has no
	// row at all.
	var dst1 = src.CloneForDestination(1, "Done")
	dst1.Status = message.Sent
	dst1.SendAttempts = 1
	msg.AddConnectorMessage(dst1)

	var cs, _ = st.ForChannel(context.Background(), "ch-missing")
	seedCrashedMessage(t, cs, msg)

	require.NoError(t, ch.Start(context.Background()))
	defer func() { require.NoError(t, ch.Stop(context.Background())) }()

	// Only the missing leg ran.
	require.Zero(t, fakes[0].attemptCount())
	require.Equal(t, []string{"MSH|missing"}, fakes[1].sent)

	var loaded, err = cs.LoadMessage(context.Background(), 71)
	require.NoError(t, err)
	require.True(t, loaded.Processed)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(1).Status)
	require.Equal(t, message.Sent, loaded.ConnectorMessage(2).Status)
}
