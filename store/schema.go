package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tsmada/interflow/message"
)

// Per-channel table names. Every channel owns a numbered family of tables,
// derived from its local channel id.
func messageTable(localID int64) string      { return fmt.Sprintf("d_m%d", localID) }
func connectorMsgTable(localID int64) string { return fmt.Sprintf("d_mm%d", localID) }
func contentTable(localID int64) string      { return fmt.Sprintf("d_mc%d", localID) }
func statisticsTable(localID int64) string   { return fmt.Sprintf("d_ms%d", localID) }
func customMetaTable(localID int64) string   { return fmt.Sprintf("d_mcm%d", localID) }
func attachmentTable(localID int64) string   { return fmt.Sprintf("d_ma%d", localID) }

func (s *Store) ensureGlobalSchema(ctx context.Context) error {
	var stmts = []string{
		`CREATE TABLE IF NOT EXISTS d_channels (
			channel_id TEXT PRIMARY KEY,
			local_channel_id BIGINT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS d_message_sequences (
			local_channel_id BIGINT PRIMARY KEY,
			next_value BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS persons (
			id %s,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_login TIMESTAMP
		)`, s.dialect.serialPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			event_date TIMESTAMP NOT NULL,
			level TEXT NOT NULL,
			name TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL DEFAULT '',
			user_id BIGINT,
			ip_address TEXT
		)`, s.dialect.serialPK),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating global table: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureChannelSchema(ctx context.Context, localID int64, metaDataColumns []message.MetaDataColumn) error {
	var m, mm, mc, ms, ma = messageTable(localID), connectorMsgTable(localID),
		contentTable(localID), statisticsTable(localID), attachmentTable(localID)

	var stmts = []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			server_id TEXT NOT NULL,
			received_date TIMESTAMP NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER NOT NULL,
			message_id BIGINT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			received_date TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			connector_name TEXT NOT NULL DEFAULT '',
			send_attempts INTEGER NOT NULL DEFAULT 0,
			send_date TIMESTAMP,
			response_date TIMESTAMP,
			error_code INTEGER NOT NULL DEFAULT 0,
			chain_id INTEGER NOT NULL DEFAULT 0,
			processing_error TEXT,
			postprocessor_error TEXT,
			response_error TEXT,
			source_map TEXT,
			connector_map TEXT,
			channel_map TEXT,
			response_map TEXT,
			PRIMARY KEY (message_id, id),
			FOREIGN KEY (message_id) REFERENCES %s (id) ON DELETE CASCADE
		)`, mm, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INTEGER NOT NULL,
			content_type INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			data_type TEXT NOT NULL DEFAULT '',
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (message_id, metadata_id, content_type),
			FOREIGN KEY (message_id) REFERENCES %s (id) ON DELETE CASCADE
		)`, mc, m),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metadata_id INTEGER NOT NULL,
			server_id TEXT NOT NULL,
			received BIGINT NOT NULL DEFAULT 0,
			filtered BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			error BIGINT NOT NULL DEFAULT 0,
			queued BIGINT NOT NULL DEFAULT 0,
			pending BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (metadata_id, server_id)
		)`, ms),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			content %s,
			PRIMARY KEY (message_id, id),
			FOREIGN KEY (message_id) REFERENCES %s (id) ON DELETE CASCADE
		)`, ma, s.dialect.blobType, m),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_processed ON %s (processed)`, m, m),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status ON %s (status)`, mm, mm),
	}

	stmts = append(stmts, customMetaDDL(customMetaTable(localID), m, metaDataColumns))

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating channel table: %w", err)
		}
	}
	return nil
}

// customMetaDDL renders the custom-metadata table, one declared column per
// MetaDataColumn of the channel.
func customMetaDDL(table, msgTable string, cols []message.MetaDataColumn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("\tmessage_id BIGINT NOT NULL,\n\tmetadata_id INTEGER NOT NULL")

	for _, col := range cols {
		fmt.Fprintf(&b, ",\n\t%q %s", metaColumnName(col.Name), metaColumnType(col.Type))
	}
	fmt.Fprintf(&b, ",\n\tPRIMARY KEY (message_id, metadata_id),\n\tFOREIGN KEY (message_id) REFERENCES %s (id) ON DELETE CASCADE\n)", msgTable)
	return b.String()
}

var metaColumnSanitizer = regexp.MustCompile(`[^A-Z0-9_]`)

// metaColumnName maps a declared column name onto its persisted identifier.
func metaColumnName(name string) string {
	return metaColumnSanitizer.ReplaceAllString(strings.ToUpper(name), "_")
}

func metaColumnType(t message.MetaDataColumnType) string {
	switch t {
	case message.ColumnNumber:
		return "DOUBLE PRECISION"
	case message.ColumnBoolean:
		return "BOOLEAN"
	case message.ColumnTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
