package sessions

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MemoryStore is the in-process session store. Expiry is checked on read and
// swept by a cleaning task every five minutes.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an in-process store against |c| (the wall clock when
// nil).
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		clock:    c,
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) Create(_ context.Context, userID int64, username, ipAddress string) (*Session, error) {
	var now = s.clock.Now()
	var session = &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Username:   username,
		CreatedAt:  now,
		LastAccess: now,
		IPAddress:  ipAddress,
	}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	return session, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session, ok = s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.clock.Since(session.LastAccess) >= IdleTimeout {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	var copied = *session
	return &copied, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session, ok = s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.clock.Since(session.LastAccess) >= IdleTimeout {
		delete(s.sessions, id)
		return ErrNotFound
	}
	session.LastAccess = s.clock.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// StartCleaner runs the periodic sweep of idled-out sessions until |ctx|
// cancels. The component which constructs the store owns this task.
func (s *MemoryStore) StartCleaner(ctx context.Context) {
	go func() {
		var ticker = s.clock.Ticker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.clean(); n > 0 {
					log.WithField("count", n).Debug("swept expired sessions")
				}
			}
		}
	}()
}

// clean removes every expired session, returning how many were dropped.
func (s *MemoryStore) clean() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int
	for id, session := range s.sessions {
		if s.clock.Since(session.LastAccess) >= IdleTimeout {
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Len reports the live session count, expired entries included until the
// next sweep.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
