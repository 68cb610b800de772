package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares sessions across cluster peers. The idle timeout is
// enforced by Redis key TTLs, refreshed on every touch.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

const redisKeyPrefix = "interflow:session:"

// NewRedisStore connects a shared session store per |cfg|.
func NewRedisStore(cfg Config) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
	}
}

func sessionKey(id string) string { return redisKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, userID int64, username, ipAddress string) (*Session, error) {
	var now = time.Now().UTC()
	var session = &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Username:   username,
		CreatedAt:  now,
		LastAccess: now,
		IPAddress:  ipAddress,
	}
	var body, err = json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	if err = s.client.Set(ctx, sessionKey(session.ID), body, IdleTimeout).Err(); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return session, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	var body, err = s.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var session Session
	if err = json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}

// Touch refreshes the session's TTL and its recorded last access.
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	var session, err = s.Get(ctx, id)
	if err != nil {
		return err
	}
	session.LastAccess = time.Now().UTC()

	var body, mErr = json.Marshal(session)
	if mErr != nil {
		return fmt.Errorf("encoding session: %w", mErr)
	}
	// SET XX refuses to resurrect a session which expired since the Get.
	var set, sErr = s.client.SetXX(ctx, sessionKey(id), body, IdleTimeout).Result()
	if sErr != nil {
		return fmt.Errorf("touching session: %w", sErr)
	}
	if !set {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
