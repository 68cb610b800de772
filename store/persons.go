package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Person is one login account.
type Person struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    time.Time
}

// ErrPersonNotFound is returned for lookups of unknown usernames.
var ErrPersonNotFound = fmt.Errorf("person not found")

// CreatePerson inserts an account and returns its id.
func (s *Store) CreatePerson(ctx context.Context, username, passwordHash string) (int64, error) {
	var err = s.exec(ctx,
		`INSERT INTO persons (username, password, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("creating person: %w", err)
	}

	var id int64
	if err = s.queryRow(ctx, `SELECT id FROM persons WHERE username = ?`, username).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading created person: %w", err)
	}
	return id, nil
}

// PersonByUsername looks up an account, or ErrPersonNotFound.
func (s *Store) PersonByUsername(ctx context.Context, username string) (*Person, error) {
	var p = Person{Username: username}
	var created, lastLogin sql.NullTime

	var err = s.queryRow(ctx,
		`SELECT id, password, created_at, last_login FROM persons WHERE username = ?`,
		username).Scan(&p.ID, &p.PasswordHash, &created, &lastLogin)
	if err == sql.ErrNoRows {
		return nil, ErrPersonNotFound
	} else if err != nil {
		return nil, fmt.Errorf("querying person: %w", err)
	}
	p.CreatedAt = created.Time
	p.LastLogin = lastLogin.Time
	return &p, nil
}

// SetPersonPassword replaces an account's password hash.
func (s *Store) SetPersonPassword(ctx context.Context, id int64, passwordHash string) error {
	if err := s.exec(ctx, `UPDATE persons SET password = ? WHERE id = ?`, passwordHash, id); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// TouchPersonLogin records a successful login.
func (s *Store) TouchPersonLogin(ctx context.Context, id int64) error {
	if err := s.exec(ctx, `UPDATE persons SET last_login = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// EventRecord is one audited runtime event.
type EventRecord struct {
	ID         int64
	EventDate  time.Time
	Level      string
	Name       string
	Outcome    string
	Attributes map[string]any
	UserID     int64
	IPAddress  string
}

// InsertEvent appends to the persisted event log.
func (s *Store) InsertEvent(ctx context.Context, ev EventRecord) error {
	if ev.EventDate.IsZero() {
		ev.EventDate = time.Now().UTC()
	}
	var attrs = "{}"
	if len(ev.Attributes) != 0 {
		if b, err := json.Marshal(ev.Attributes); err == nil {
			attrs = string(b)
		}
	}
	var err = s.exec(ctx,
		`INSERT INTO events (event_date, level, name, outcome, attributes, user_id, ip_address)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventDate, ev.Level, ev.Name, ev.Outcome, attrs, ev.UserID, ev.IPAddress)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// RecentEvents reads the newest |limit| events, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	var rows, err = s.query(ctx,
		`SELECT id, event_date, level, name, outcome, attributes, user_id, ip_address
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var date sql.NullTime
		var attrs string
		var userID sql.NullInt64
		var ip sql.NullString

		if err = rows.Scan(&ev.ID, &date, &ev.Level, &ev.Name, &ev.Outcome, &attrs, &userID, &ip); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.EventDate = date.Time
		ev.UserID = userID.Int64
		ev.IPAddress = ip.String
		if attrs != "" {
			_ = json.Unmarshal([]byte(attrs), &ev.Attributes)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
