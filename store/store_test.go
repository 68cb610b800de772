package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/stats"
)

func newTestStore(t *testing.T) *Store {
	var s, err = Open(context.Background(), Config{
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerTestChannel(t *testing.T, s *Store, channelID string) *ChannelStore {
	var _, err = s.RegisterChannel(context.Background(), channelID, "Test Channel", nil)
	require.NoError(t, err)
	var cs, ok = s.ForChannel(context.Background(), channelID)
	require.True(t, ok)
	return cs
}

func TestRegisterChannelIsIdempotent(t *testing.T) {
	var s = newTestStore(t)
	var ctx = context.Background()

	var first, err = s.RegisterChannel(ctx, "chan-a", "A", nil)
	require.NoError(t, err)
	again, err := s.RegisterChannel(ctx, "chan-a", "A", nil)
	require.NoError(t, err)
	require.Equal(t, first, again)

	second, err := s.RegisterChannel(ctx, "chan-b", "B", nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	channels, err := s.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
}

func TestForChannelWithoutTables(t *testing.T) {
	var s = newTestStore(t)
	var _, ok = s.ForChannel(context.Background(), "never-registered")
	require.False(t, ok)
}

func TestMessageSequence(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-seq")
	var ctx = context.Background()

	var first, err = cs.NextMessageID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := cs.NextMessageID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), second)

	// A block reservation advances past the whole block.
	block, err := cs.NextMessageIDBlock(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(3), block)

	next, err := cs.NextMessageID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(103), next)
}

func insertTestMessage(t *testing.T, cs *ChannelStore, messageID int64) *message.Message {
	var ctx = context.Background()
	var msg = message.NewMessage(messageID, "srv-1", cs.ChannelID, time.Now().UTC())

	var src = message.NewConnectorMessage(cs.ChannelID, "Test Channel", messageID, 0, "srv-1")
	src.ConnectorName = "Source"
	src.SetContent(message.Raw, "MSH|^~\\&|...", "HL7V2")
	src.SourceMap["origin"] = "tcp"
	msg.AddConnectorMessage(src)

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.InsertMessage(ctx, msg))
	require.NoError(t, txn.InsertConnectorMessage(ctx, src, true))
	require.NoError(t, txn.StoreContent(ctx, src, message.Raw))
	require.NoError(t, txn.Commit())
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-rt")
	var ctx = context.Background()

	insertTestMessage(t, cs, 1)

	// Add a destination with status, errors and content.
	var dst = message.NewConnectorMessage(cs.ChannelID, "Test Channel", 1, 2, "srv-1")
	dst.ConnectorName = "Dest 2"
	dst.Status = message.Queued
	dst.SendAttempts = 3
	dst.SendDate = time.Now().UTC()
	dst.ErrorCode = 1
	dst.ProcessingError = "connection refused"
	dst.SetContent(message.Raw, "payload", "HL7V2")
	dst.SetContent(message.Encoded, "encoded-payload", "HL7V2")
	dst.ConnectorMap["try"] = float64(3)

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.InsertConnectorMessage(ctx, dst, true))
	require.NoError(t, txn.UpdateErrors(ctx, dst))
	require.NoError(t, txn.StoreContent(ctx, dst, message.Raw))
	require.NoError(t, txn.StoreContent(ctx, dst, message.Encoded))
	require.NoError(t, txn.Commit())

	var loaded *message.Message
	loaded, err = cs.LoadMessage(ctx, 1)
	require.NoError(t, err)
	require.False(t, loaded.Processed)
	require.Len(t, loaded.ConnectorMessages(), 2)

	var src = loaded.Source()
	require.Equal(t, message.Received, src.Status)
	require.Equal(t, "MSH|^~\\&|...", src.ContentValue(message.Raw))
	require.Equal(t, "tcp", src.SourceMap["origin"])

	var d = loaded.ConnectorMessage(2)
	require.NotNil(t, d)
	require.Equal(t, message.Queued, d.Status)
	require.Equal(t, 3, d.SendAttempts)
	require.False(t, d.SendDate.IsZero())
	require.Equal(t, "connection refused", d.ProcessingError)
	require.Equal(t, "encoded-payload", d.ContentValue(message.Encoded))
	require.Equal(t, float64(3), d.ConnectorMap["try"])

	// Flip processed and verify.
	require.NoError(t, cs.SetProcessed(ctx, 1))
	loaded, err = cs.LoadMessage(ctx, 1)
	require.NoError(t, err)
	require.True(t, loaded.Processed)

	ids, err := cs.UnfinishedMessageIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestContentUpsertReplaces(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-up")
	var ctx = context.Background()
	var msg = insertTestMessage(t, cs, 1)

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.StoreContentValue(ctx, msg.MessageID, 0, message.Raw, "modified", "HL7V2", false))
	require.NoError(t, txn.Commit())

	loaded, err := cs.LoadMessage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "modified", loaded.Source().ContentValue(message.Raw))
}

func TestStatisticsUpsertAndClamp(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-stat")
	var ctx = context.Background()

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.UpdateStatistics(ctx, 0, "srv-1", stats.Deltas{Received: 2}))
	require.NoError(t, txn.UpdateStatistics(ctx, 1, "srv-1", stats.Deltas{Sent: 1, Queued: 1}))
	require.NoError(t, txn.Commit())

	txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	// The queued decrement below zero clamps at zero.
	require.NoError(t, txn.UpdateStatistics(ctx, 1, "srv-1", stats.Deltas{Sent: 1, Queued: -5}))
	require.NoError(t, txn.Commit())

	loaded, err := cs.LoadStatistics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), loaded[0][message.Received])
	require.Equal(t, int64(2), loaded[1][message.Sent])
	require.Equal(t, int64(0), loaded[1][message.Queued])
}

func TestTerminalGateAndContentPrune(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-gate")
	var ctx = context.Background()
	var msg = insertTestMessage(t, cs, 1)

	var d1 = message.NewConnectorMessage(cs.ChannelID, "", 1, 1, "srv-1")
	d1.Status = message.Queued
	d1.SetContent(message.Raw, "d1-raw", "HL7V2")
	var d2 = message.NewConnectorMessage(cs.ChannelID, "", 1, 2, "srv-1")
	d2.Status = message.Filtered
	d2.SetContent(message.Raw, "d2-raw", "HL7V2")

	var txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	for _, d := range []*message.ConnectorMessage{d1, d2} {
		require.NoError(t, txn.InsertConnectorMessage(ctx, d, false))
		require.NoError(t, txn.StoreContent(ctx, d, message.Raw))
	}
	require.NoError(t, txn.Commit())

	terminal, err := cs.AllDestinationsTerminal(ctx, msg.MessageID)
	require.NoError(t, err)
	require.False(t, terminal)

	// Resolve the queued destination and re-check.
	d1.Status = message.Sent
	txn, err = cs.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, txn.UpdateStatus(ctx, d1))
	require.NoError(t, txn.Commit())

	terminal, err = cs.AllDestinationsTerminal(ctx, msg.MessageID)
	require.NoError(t, err)
	require.True(t, terminal)

	// Only-filtered prune drops d2's content and keeps the rest.
	require.NoError(t, cs.DeleteMessageContent(ctx, msg.MessageID, true))
	loaded, err := cs.LoadMessage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "d1-raw", loaded.ConnectorMessage(1).ContentValue(message.Raw))
	require.Equal(t, "", loaded.ConnectorMessage(2).ContentValue(message.Raw))

	require.NoError(t, cs.DeleteMessageContent(ctx, msg.MessageID, false))
	loaded, err = cs.LoadMessage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "", loaded.ConnectorMessage(1).ContentValue(message.Raw))
}

func TestQueuedMessages(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-q")
	var ctx = context.Background()

	for id := int64(1); id <= 3; id++ {
		var msg = insertTestMessage(t, cs, id)
		var d = message.NewConnectorMessage(cs.ChannelID, "", msg.MessageID, 1, "srv-1")
		d.ConnectorName = "Dest 1"
		if id == 2 {
			d.Status = message.Sent
		} else {
			d.Status = message.Queued
		}
		d.SetContent(message.Encoded, "enc", "HL7V2")

		var txn, err = cs.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, txn.InsertConnectorMessage(ctx, d, false))
		require.NoError(t, txn.StoreContent(ctx, d, message.Encoded))
		require.NoError(t, txn.Commit())
	}

	var queued, err = cs.QueuedMessages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, int64(1), queued[0].MessageID)
	require.Equal(t, int64(3), queued[1].MessageID)
	require.Equal(t, "enc", queued[0].ContentValue(message.Encoded))
}

func TestPruneWithFileArchive(t *testing.T) {
	var s = newTestStore(t)
	var cs = registerTestChannel(t, s, "chan-prune")
	var ctx = context.Background()

	var old = insertTestMessage(t, cs, 1)
	require.NoError(t, cs.SetProcessed(ctx, old.MessageID))
	insertTestMessage(t, cs, 2) // Unprocessed; never pruned.

	var dir = t.TempDir()
	var w, err = OpenArchiveWriter(ctx, "file://"+dir, "out.jsonl")
	require.NoError(t, err)

	archived, err := cs.ArchiveMessagesBefore(ctx, time.Now().Add(time.Hour), w)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, 1, archived)

	raw, err := os.ReadFile(filepath.Join(dir, "out.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"messageId":1`)
	require.Contains(t, string(raw), `"RAW"`)

	pruned, err := cs.PruneMessagesBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	// The cascade removed dependent rows; message 2 survives.
	_, err = cs.LoadMessage(ctx, 1)
	require.Error(t, err)
	_, err = cs.LoadMessage(ctx, 2)
	require.NoError(t, err)
}

func TestPersonsAndEvents(t *testing.T) {
	var s = newTestStore(t)
	var ctx = context.Background()

	var id, err = s.CreatePerson(ctx, "admin", "hash-1")
	require.NoError(t, err)
	require.NotZero(t, id)

	person, err := s.PersonByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, id, person.ID)
	require.Equal(t, "hash-1", person.PasswordHash)

	require.NoError(t, s.SetPersonPassword(ctx, id, "hash-2"))
	require.NoError(t, s.TouchPersonLogin(ctx, id))
	person, err = s.PersonByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, "hash-2", person.PasswordHash)
	require.False(t, person.LastLogin.IsZero())

	_, err = s.PersonByUsername(ctx, "ghost")
	require.ErrorIs(t, err, ErrPersonNotFound)

	require.NoError(t, s.InsertEvent(ctx, EventRecord{
		Level: "INFO", Name: "channel started",
		Attributes: map[string]any{"channel": "chan-1"},
	}))
	require.NoError(t, s.InsertEvent(ctx, EventRecord{Level: "ERROR", Name: "send failed"}))

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "send failed", events[0].Name)
	require.Equal(t, "chan-1", events[1].Attributes["channel"])
}

func TestRebindDollar(t *testing.T) {
	require.Equal(t, "SELECT $1, $2, $3", rebindDollar("SELECT ?, ?, ?"))
	require.Equal(t, "no placeholders", rebindDollar("no placeholders"))
}
