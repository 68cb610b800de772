// Package sessions implements login session tracking for the management and
// dashboard surfaces: an idle-expiring session store (in-process by default,
// Redis when a cluster shares sessions), password hashing, and the short
// lived tokens which authenticate WebSocket upgrades.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

// IdleTimeout is how long an untouched session stays retrievable.
const IdleTimeout = 30 * time.Minute

// cleanupInterval paces the in-process store's sweep of expired sessions.
const cleanupInterval = 5 * time.Minute

// ErrNotFound is returned for sessions which don't exist or have idled out.
var ErrNotFound = errors.New("session not found")

// Session is one authenticated login.
type Session struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"userId"`
	Username   string    `json:"username"`
	CreatedAt  time.Time `json:"createdAt"`
	LastAccess time.Time `json:"lastAccess"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

// Store maps session ids to sessions with idle-timeout semantics: a session
// not touched for IdleTimeout is no longer retrievable.
type Store interface {
	Create(ctx context.Context, userID int64, username, ipAddress string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Config selects and configures the session store.
type Config struct {
	Cluster       bool   `long:"cluster" env:"CLUSTER" description:"Share sessions across cluster peers"`
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for shared sessions (host:port)"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" description:"Redis database number"`
}

// NewStore builds the configured store. In cluster mode an unconfigured
// Redis falls back to the in-process store with a warning: the node works,
// but peers won't see its sessions until Redis is configured.
func NewStore(cfg Config, c clock.Clock) Store {
	if cfg.Cluster && cfg.RedisAddr == "" {
		log.Warn("cluster mode without a Redis address; sessions are local to this node")
	}
	if cfg.RedisAddr != "" {
		return NewRedisStore(cfg)
	}
	return NewMemoryStore(c)
}
