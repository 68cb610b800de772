// Package store implements relational persistence for the channel runtime:
// a registry of channels, per-channel message / connector-message / content /
// statistics tables, durable message sequences, and the retention pruner.
//
// Two backends are supported, selected by the configured DSN: SQLite (the
// default; a bare path or file: URL) and PostgreSQL (postgres:// URLs).
// Queries are written with ? placeholders and rebound per driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib" // Import for registration side-effect.
	_ "github.com/mattn/go-sqlite3"    // Import for registration side-effect.
	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/message"
)

// Config is the database configuration of the runtime.
type Config struct {
	DSN      string `long:"dsn" env:"DSN" default:"interflow.db" description:"Database DSN. A path or file: URL selects SQLite, postgres:// selects PostgreSQL"`
	MaxConns int    `long:"max-conns" env:"MAX_CONNS" default:"10" description:"Maximum open database connections"`
}

// Store wraps the shared database handle. It's safe for concurrent use by
// many channels; the database serializes writes which touch the same rows.
type Store struct {
	db      *sql.DB
	dialect dialect

	// localIDs caches channel id to local channel id of channels whose
	// tables are known to exist. Absence is never cached, so a channel
	// registered later is picked up on its next dispatch.
	localIDs *lru.Cache[string, int64]
	mu       sync.Mutex
}

const localIDCacheSize = 256

// Open opens the database at |cfg.DSN| and ensures the global schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var driver, dsn = splitDSN(cfg.DSN)

	var db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)

	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	var cache, _ = lru.New[string, int64](localIDCacheSize)
	var s = &Store{
		db:       db,
		dialect:  dialectFor(driver),
		localIDs: cache,
	}
	if err = s.ensureGlobalSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensuring global schema: %w", err)
	}

	log.WithFields(log.Fields{"driver": driver}).Info("opened message store")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for collaborators with their own queries.
func (s *Store) DB() *sql.DB { return s.db }

// splitDSN maps a configured DSN onto (driver, driver DSN). SQLite DSNs gain
// WAL journaling, a busy timeout, and foreign-key enforcement unless the
// caller set their own options.
func splitDSN(dsn string) (string, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", dsn
	}
	if !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	return "sqlite3", dsn
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	var _, err = s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// RegisterChannel ensures |channelID| is present in the channel registry and
// that its per-channel tables exist, returning its local channel id. It's
// idempotent and safe to call at every deploy.
func (s *Store) RegisterChannel(ctx context.Context, channelID, name string, metaDataColumns []message.MetaDataColumn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var localID int64
	var err = s.queryRow(ctx, `SELECT local_channel_id FROM d_channels WHERE channel_id = ?`, channelID).Scan(&localID)

	if err == sql.ErrNoRows {
		if err = s.queryRow(ctx, `SELECT COALESCE(MAX(local_channel_id), 0) + 1 FROM d_channels`).Scan(&localID); err != nil {
			return 0, fmt.Errorf("allocating local channel id: %w", err)
		}
		if err = s.exec(ctx,
			`INSERT INTO d_channels (channel_id, local_channel_id, name, created_at) VALUES (?, ?, ?, ?)`,
			channelID, localID, name, time.Now().UTC()); err != nil {
			return 0, fmt.Errorf("registering channel: %w", err)
		}
		if err = s.exec(ctx,
			`INSERT INTO d_message_sequences (local_channel_id, next_value) VALUES (?, 1)`,
			localID); err != nil {
			return 0, fmt.Errorf("seeding message sequence: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("querying channel registry: %w", err)
	}

	if err = s.ensureChannelSchema(ctx, localID, metaDataColumns); err != nil {
		return 0, fmt.Errorf("ensuring channel schema: %w", err)
	}
	s.localIDs.Add(channelID, localID)

	log.WithFields(log.Fields{
		"channel": channelID,
		"localId": localID,
	}).Debug("registered channel tables")
	return localID, nil
}

// ForChannel returns a per-channel handle, or ok=false when the channel's
// tables don't exist. Callers treat false as "persistence disabled" and
// continue in memory only.
func (s *Store) ForChannel(ctx context.Context, channelID string) (*ChannelStore, bool) {
	if localID, ok := s.localIDs.Get(channelID); ok {
		return newChannelStore(s, channelID, localID), true
	}

	var localID int64
	var err = s.queryRow(ctx, `SELECT local_channel_id FROM d_channels WHERE channel_id = ?`, channelID).Scan(&localID)
	if err == sql.ErrNoRows {
		log.WithField("channel", channelID).Debug("channel tables don't exist; skipping persistence")
		return nil, false
	} else if err != nil {
		log.WithFields(log.Fields{"channel": channelID, "error": err}).Warn("querying channel registry")
		return nil, false
	}

	s.localIDs.Add(channelID, localID)
	return newChannelStore(s, channelID, localID), true
}

// Channels lists the registered channels as (channel id, local id) pairs.
func (s *Store) Channels(ctx context.Context) (map[string]int64, error) {
	var rows, err = s.query(ctx, `SELECT channel_id, local_channel_id FROM d_channels`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out = make(map[string]int64)
	for rows.Next() {
		var id string
		var local int64
		if err = rows.Scan(&id, &local); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		out[id] = local
	}
	return out, rows.Err()
}
