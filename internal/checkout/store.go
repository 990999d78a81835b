package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for unknown or expired checkouts.
var ErrNotFound = errors.New("checkout: session not found")

// Store persists checkout sessions. Callers serialise writes per session
// with a lock.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, cs *Session) error
}

// MemoryStore keeps sessions in process, encoded so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	raw, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var cs Session
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("checkout: decode session: %w", err)
	}
	return &cs, nil
}

func (m *MemoryStore) Save(_ context.Context, cs *Session) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("checkout: encode session: %w", err)
	}
	m.mu.Lock()
	m.data[cs.ID] = raw
	m.mu.Unlock()
	return nil
}

// RedisStore keeps sessions in Redis with a sliding TTL.
type RedisStore struct {
	R   *redis.Client
	TTL time.Duration
}

func sessionKey(id string) string { return "checkout:session:" + id }

func (s RedisStore) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.R.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkout: load session: %w", err)
	}
	var cs Session
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("checkout: decode session: %w", err)
	}
	return &cs, nil
}

func (s RedisStore) Save(ctx context.Context, cs *Session) error {
	raw, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("checkout: encode session: %w", err)
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.R.Set(ctx, sessionKey(cs.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("checkout: save session: %w", err)
	}
	return nil
}
