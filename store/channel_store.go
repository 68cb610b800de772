package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/stats"
)

// ChannelStore is a handle over one channel's table family. The pipeline
// obtains one per dispatch via Store.ForChannel and groups each phase's
// writes into a single Txn.
type ChannelStore struct {
	*Store
	ChannelID string
	LocalID   int64

	tblMessage    string
	tblConnector  string
	tblContent    string
	tblStats      string
	tblCustom     string
	tblAttachment string
}

func newChannelStore(s *Store, channelID string, localID int64) *ChannelStore {
	return &ChannelStore{
		Store:         s,
		ChannelID:     channelID,
		LocalID:       localID,
		tblMessage:    messageTable(localID),
		tblConnector:  connectorMsgTable(localID),
		tblContent:    contentTable(localID),
		tblStats:      statisticsTable(localID),
		tblCustom:     customMetaTable(localID),
		tblAttachment: attachmentTable(localID),
	}
}

// NextMessageID draws the next message id from the channel's durable
// sequence.
func (cs *ChannelStore) NextMessageID(ctx context.Context) (int64, error) {
	return cs.NextMessageIDBlock(ctx, 1)
}

// NextMessageIDBlock reserves |n| consecutive ids and returns the first.
func (cs *ChannelStore) NextMessageIDBlock(ctx context.Context, n int64) (int64, error) {
	var tx, err = cs.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sequence transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	var next int64
	if err = tx.QueryRowContext(ctx,
		cs.dialect.rebind(`SELECT next_value FROM d_message_sequences WHERE local_channel_id = ?`),
		cs.LocalID).Scan(&next); err != nil {
		return 0, fmt.Errorf("reading message sequence: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		cs.dialect.rebind(`UPDATE d_message_sequences SET next_value = ? WHERE local_channel_id = ?`),
		next+n, cs.LocalID); err != nil {
		return 0, fmt.Errorf("advancing message sequence: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing message sequence: %w", err)
	}
	tx = nil // Disable deferred rollback.
	return next, nil
}

// Txn groups the writes of one pipeline phase.
type Txn struct {
	tx *sql.Tx
	cs *ChannelStore
}

// Begin opens a transaction over the channel's tables.
func (cs *ChannelStore) Begin(ctx context.Context) (*Txn, error) {
	var tx, err = cs.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Txn{tx: tx, cs: cs}, nil
}

func (t *Txn) Commit() error   { return t.tx.Commit() }
func (t *Txn) Rollback() error { return t.tx.Rollback() }

func (t *Txn) exec(ctx context.Context, query string, args ...any) error {
	var _, err = t.tx.ExecContext(ctx, t.cs.dialect.rebind(query), args...)
	return err
}

// nullTime maps the zero time onto SQL NULL.
func nullTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return ts
}

// nullString maps "" onto SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertMessage writes the message row.
func (t *Txn) InsertMessage(ctx context.Context, m *message.Message) error {
	return t.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, server_id, received_date, processed) VALUES (?, ?, ?, ?)`, t.cs.tblMessage),
		m.MessageID, m.ServerID, m.ReceivedDate.UTC(), m.Processed)
}

// InsertConnectorMessage writes the connector-message row. Maps are included
// when |storeMaps| is set.
func (t *Txn) InsertConnectorMessage(ctx context.Context, cm *message.ConnectorMessage, storeMaps bool) error {
	var sourceMap, connectorMap, channelMap, responseMap any
	if storeMaps {
		sourceMap = message.EncodeMap(cm.SourceMap)
		connectorMap = message.EncodeMap(cm.ConnectorMap)
		channelMap = message.EncodeMap(cm.ChannelMap)
		responseMap = message.EncodeMap(cm.ResponseMap)
	}
	return t.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, message_id, server_id, received_date, status, connector_name, send_attempts,
			 send_date, response_date, error_code, chain_id, source_map, connector_map, channel_map, response_map)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.cs.tblConnector),
		cm.MetaDataID, cm.MessageID, cm.ServerID, cm.ReceivedDate.UTC(), cm.Status.Code(),
		cm.ConnectorName, cm.SendAttempts, nullTime(cm.SendDate), nullTime(cm.ResponseDate),
		cm.ErrorCode, cm.ChainID, sourceMap, connectorMap, channelMap, responseMap)
}

// UpdateStatus writes the connector message's status, attempts and dates.
func (t *Txn) UpdateStatus(ctx context.Context, cm *message.ConnectorMessage) error {
	return t.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = ?, send_attempts = ?, send_date = ?, response_date = ?
			WHERE message_id = ? AND id = ?`, t.cs.tblConnector),
		cm.Status.Code(), cm.SendAttempts, nullTime(cm.SendDate), nullTime(cm.ResponseDate),
		cm.MessageID, cm.MetaDataID)
}

// UpdateErrors writes the connector message's error code and error texts.
func (t *Txn) UpdateErrors(ctx context.Context, cm *message.ConnectorMessage) error {
	return t.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET error_code = ?, processing_error = ?, postprocessor_error = ?, response_error = ?
			WHERE message_id = ? AND id = ?`, t.cs.tblConnector),
		cm.ErrorCode, nullString(cm.ProcessingError), nullString(cm.PostProcessorError),
		nullString(cm.ResponseError), cm.MessageID, cm.MetaDataID)
}

// UpdateMaps writes the connector message's variable maps.
func (t *Txn) UpdateMaps(ctx context.Context, cm *message.ConnectorMessage) error {
	return t.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET source_map = ?, connector_map = ?, channel_map = ?, response_map = ?
			WHERE message_id = ? AND id = ?`, t.cs.tblConnector),
		message.EncodeMap(cm.SourceMap), message.EncodeMap(cm.ConnectorMap),
		message.EncodeMap(cm.ChannelMap), message.EncodeMap(cm.ResponseMap),
		cm.MessageID, cm.MetaDataID)
}

// StoreContent upserts the |ct| content slot of |cm|. A missing slot is a
// no-op.
func (t *Txn) StoreContent(ctx context.Context, cm *message.ConnectorMessage, ct message.ContentType) error {
	var c = cm.Content(ct)
	if c == nil {
		return nil
	}
	return t.StoreContentValue(ctx, cm.MessageID, cm.MetaDataID, ct, c.Value, c.DataType, c.Encrypted)
}

// StoreContentValue upserts one content row directly.
func (t *Txn) StoreContentValue(ctx context.Context, messageID int64, metaDataID int, ct message.ContentType, value, dataType string, encrypted bool) error {
	return t.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (message_id, metadata_id, content_type, content, data_type, is_encrypted)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id, metadata_id, content_type) DO UPDATE SET
				content = excluded.content, data_type = excluded.data_type, is_encrypted = excluded.is_encrypted`,
			t.cs.tblContent),
		messageID, metaDataID, int(ct), value, dataType, encrypted)
}

// StoreCustomMetaData resolves and writes the channel's declared metadata
// columns for |cm|.
func (t *Txn) StoreCustomMetaData(ctx context.Context, cm *message.ConnectorMessage, cols []message.MetaDataColumn) error {
	if len(cols) == 0 {
		return nil
	}

	var names = []string{"message_id", "metadata_id"}
	var args = []any{cm.MessageID, cm.MetaDataID}
	var updates []string

	for _, col := range cols {
		var name = metaColumnName(col.Name)
		names = append(names, fmt.Sprintf("%q", name))
		args = append(args, coerceMetaData(message.ResolveMetaData(cm, col), col.Type))
		updates = append(updates, fmt.Sprintf("%q = excluded.%q", name, name))
	}

	var query = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (message_id, metadata_id) DO UPDATE SET %s`,
		t.cs.tblCustom,
		strings.Join(names, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "),
		strings.Join(updates, ", "))
	return t.exec(ctx, query, args...)
}

// coerceMetaData converts a resolved map value into the column's SQL type.
func coerceMetaData(v any, typ message.MetaDataColumnType) any {
	if v == nil {
		return nil
	}
	switch typ {
	case message.ColumnNumber:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int64:
			return float64(n)
		case float64:
			return n
		default:
			return nil
		}
	case message.ColumnBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case message.ColumnTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC()
		case string:
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				return parsed.UTC()
			}
			return nil
		default:
			return nil
		}
	default:
		return fmt.Sprint(v)
	}
}

// InsertAttachment writes one extracted attachment.
func (t *Txn) InsertAttachment(ctx context.Context, messageID int64, id, typ string, content []byte) error {
	return t.exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, message_id, type, content) VALUES (?, ?, ?, ?)
			ON CONFLICT (message_id, id) DO UPDATE SET type = excluded.type, content = excluded.content`,
			t.cs.tblAttachment),
		id, messageID, typ, content)
}

// UpdateStatistics folds |d| into the (metaDataID, serverID) statistics row,
// clamping each counter at zero.
func (t *Txn) UpdateStatistics(ctx context.Context, metaDataID int, serverID string, d stats.Deltas) error {
	if d.IsZero() {
		return nil
	}
	var clamp = t.cs.dialect.clamp
	var query = fmt.Sprintf(`INSERT INTO %[1]s (metadata_id, server_id, received, filtered, sent, error, queued, pending)
		VALUES (?, ?, %[2]s, %[3]s, %[4]s, %[5]s, %[6]s, %[7]s)
		ON CONFLICT (metadata_id, server_id) DO UPDATE SET
			received = %[8]s,
			filtered = %[9]s,
			sent = %[10]s,
			error = %[11]s,
			queued = %[12]s,
			pending = %[13]s`,
		t.cs.tblStats,
		clamp("?"), clamp("?"), clamp("?"), clamp("?"), clamp("?"), clamp("?"),
		clamp(t.cs.tblStats+".received + excluded.received"),
		clamp(t.cs.tblStats+".filtered + excluded.filtered"),
		clamp(t.cs.tblStats+".sent + excluded.sent"),
		clamp(t.cs.tblStats+".error + excluded.error"),
		clamp(t.cs.tblStats+".queued + excluded.queued"),
		clamp(t.cs.tblStats+".pending + excluded.pending"))
	return t.exec(ctx, query,
		metaDataID, serverID, d.Received, d.Filtered, d.Sent, d.Errored, d.Queued, d.Pending)
}

// UpdateStatisticsBatch writes every flushed delta row.
func (t *Txn) UpdateStatisticsBatch(ctx context.Context, serverID string, deltas map[int]stats.Deltas) error {
	for metaDataID, d := range deltas {
		if err := t.UpdateStatistics(ctx, metaDataID, serverID, d); err != nil {
			return err
		}
	}
	return nil
}

// SetProcessed marks the message row processed.
func (t *Txn) SetProcessed(ctx context.Context, messageID int64) error {
	return t.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = TRUE WHERE id = ?`, t.cs.tblMessage), messageID)
}

// SetProcessed is the non-transactional variant used by the source queue
// worker's completion mark.
func (cs *ChannelStore) SetProcessed(ctx context.Context, messageID int64) error {
	return cs.exec(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = TRUE WHERE id = ?`, cs.tblMessage), messageID)
}

// LoadStatistics reads persisted statistics, summed across servers, keyed by
// metadata id with the channel aggregate under stats.AggregateID.
func (cs *ChannelStore) LoadStatistics(ctx context.Context) (map[int]map[message.Status]int64, error) {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT metadata_id, SUM(received), SUM(filtered), SUM(sent), SUM(error), SUM(queued), SUM(pending)
		 FROM %s GROUP BY metadata_id`, cs.tblStats))
	if err != nil {
		return nil, fmt.Errorf("loading statistics: %w", err)
	}
	defer rows.Close()

	var out = make(map[int]map[message.Status]int64)
	for rows.Next() {
		var id int
		var received, filtered, sent, errored, queued, pending int64
		if err = rows.Scan(&id, &received, &filtered, &sent, &errored, &queued, &pending); err != nil {
			return nil, fmt.Errorf("scanning statistics row: %w", err)
		}
		out[id] = map[message.Status]int64{
			message.Received: received,
			message.Filtered: filtered,
			message.Sent:     sent,
			message.Error:    errored,
			message.Queued:   queued,
			message.Pending:  pending,
		}
	}
	return out, rows.Err()
}

// AllDestinationsTerminal reports whether every destination row of
// |messageID| reached SENT, FILTERED or ERROR. Content pruning on completion
// must not run until it does.
func (cs *ChannelStore) AllDestinationsTerminal(ctx context.Context, messageID int64) (bool, error) {
	var n int
	var err = cs.queryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE message_id = ? AND id > 0 AND status NOT IN ('S', 'F', 'E')`,
		cs.tblConnector), messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking terminal destinations: %w", err)
	}
	return n == 0, nil
}

// DeleteMessageContent removes content rows of |messageID|. With
// |onlyFiltered|, only content belonging to FILTERED connector messages is
// removed.
func (cs *ChannelStore) DeleteMessageContent(ctx context.Context, messageID int64, onlyFiltered bool) error {
	if onlyFiltered {
		return cs.exec(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE message_id = ? AND metadata_id IN
				(SELECT id FROM %s WHERE message_id = ? AND status = 'F')`,
			cs.tblContent, cs.tblConnector), messageID, messageID)
	}
	return cs.exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, cs.tblContent), messageID)
}

// DeleteAttachments removes the attachments of |messageID|.
func (cs *ChannelStore) DeleteAttachments(ctx context.Context, messageID int64) error {
	return cs.exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, cs.tblAttachment), messageID)
}

// AttachmentRow is one persisted attachment.
type AttachmentRow struct {
	ID      string
	Type    string
	Content []byte
}

// LoadAttachments reads the attachments of |messageID| in id order.
func (cs *ChannelStore) LoadAttachments(ctx context.Context, messageID int64) ([]AttachmentRow, error) {
	var rows, err = cs.query(ctx, fmt.Sprintf(
		`SELECT id, type, content FROM %s WHERE message_id = ? ORDER BY id`, cs.tblAttachment), messageID)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	defer rows.Close()

	var out []AttachmentRow
	for rows.Next() {
		var row AttachmentRow
		if err = rows.Scan(&row.ID, &row.Type, &row.Content); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
