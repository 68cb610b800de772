package sessions

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/store"
)

// ErrInvalidCredentials is returned for unknown accounts and wrong
// passwords alike, so a probe can't distinguish the two.
var ErrInvalidCredentials = errors.New("invalid username or password")

// PersonDirectory is the account lookup the authenticator needs; the message
// store's persons table implements it.
type PersonDirectory interface {
	PersonByUsername(ctx context.Context, username string) (*store.Person, error)
	TouchPersonLogin(ctx context.Context, id int64) error
}

// Authenticator checks credentials against a directory and manages the
// resulting sessions.
type Authenticator struct {
	directory PersonDirectory
	sessions  Store
}

func NewAuthenticator(directory PersonDirectory, sessions Store) *Authenticator {
	return &Authenticator{directory: directory, sessions: sessions}
}

// Login verifies credentials and creates a session. Legacy password hashes
// are upgraded opportunistically by the caller, not here.
func (a *Authenticator) Login(ctx context.Context, username, password, ipAddress string) (*Session, error) {
	var person, err = a.directory.PersonByUsername(ctx, username)
	if err == store.ErrPersonNotFound {
		return nil, ErrInvalidCredentials
	} else if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if !VerifyPassword(password, person.PasswordHash) {
		log.WithFields(log.Fields{"username": username, "ip": ipAddress}).
			Warn("failed login attempt")
		return nil, ErrInvalidCredentials
	}

	if err = a.directory.TouchPersonLogin(ctx, person.ID); err != nil {
		log.WithFields(log.Fields{"username": username, "err": err}).
			Warn("recording login time")
	}
	return a.sessions.Create(ctx, person.ID, username, ipAddress)
}

// Logout deletes the session.
func (a *Authenticator) Logout(ctx context.Context, sessionID string) error {
	return a.sessions.Delete(ctx, sessionID)
}

// Resolve validates a presented session id and refreshes its idle timeout.
func (a *Authenticator) Resolve(ctx context.Context, sessionID string) (*Session, error) {
	var session, err = a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err = a.sessions.Touch(ctx, sessionID); err != nil {
		return nil, err
	}
	return session, nil
}
