package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/storefront-checkout/internal/obs"
)

// SessionCache stores initiated sessions by memo key.
type SessionCache interface {
	Get(ctx context.Context, key string) (Session, bool, error)
	Put(ctx context.Context, key string, s Session, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Memo makes Initiate idempotent: a repeat call for the same checkout, cart
// and totals returns the stored session instead of creating a second
// provider object. Concurrent repeats share one provider call.
type Memo struct {
	rail  Rail
	cache SessionCache
	ttl   time.Duration
	group singleflight.Group
}

// NewMemo wraps rail. A zero ttl keeps entries for an hour.
func NewMemo(rail Rail, cache SessionCache, ttl time.Duration) *Memo {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memo{rail: rail, cache: cache, ttl: ttl}
}

func (m *Memo) Kind() Kind   { return m.rail.Kind() }
func (m *Memo) Unwrap() Rail { return m.rail }

func (m *Memo) Available(ctx context.Context) error { return m.rail.Available(ctx) }

func (m *Memo) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	key := memoKey(req.CheckoutID, m.rail.Kind(), req.Cart.Fingerprint(), req.Totals)
	v, err, _ := m.group.Do(key, func() (any, error) {
		if s, ok, err := m.cache.Get(ctx, key); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("rail", string(m.rail.Kind())).Msg("payment_memo_read_failed")
		} else if ok && s.Status == StatusInitiated {
			obs.Domain().RailInitiations.WithLabelValues(string(m.rail.Kind()), "memo_hit").Inc()
			return s, nil
		}
		s, err := m.rail.Initiate(ctx, req)
		if err != nil {
			return Session{}, err
		}
		s.MemoKey = key
		if err := m.cache.Put(ctx, key, s, m.ttl); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("rail", string(m.rail.Kind())).Msg("payment_memo_write_failed")
		}
		return s, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// Confirm forgets the session once it reached a terminal outcome.
func (m *Memo) Confirm(ctx context.Context, s Session, in ConfirmInput) Outcome {
	out := m.rail.Confirm(ctx, s, in)
	if out.Status != OutcomeAwaitingAction {
		m.forget(ctx, s)
	}
	return out
}

func (m *Memo) Cancel(ctx context.Context, s Session) error {
	m.forget(ctx, s)
	return m.rail.Cancel(ctx, s)
}

// Forget drops the memo entry of s, used when a session ends outside Confirm.
func (m *Memo) Forget(ctx context.Context, s Session) { m.forget(ctx, s) }

func (m *Memo) forget(ctx context.Context, s Session) {
	if err := m.cache.Delete(ctx, s.memoKey()); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("rail", string(s.Rail)).Msg("payment_memo_delete_failed")
	}
}

// MemorySessionCache is a process-local SessionCache.
type MemorySessionCache struct {
	mu      sync.Mutex
	entries map[string]memoEntry
	now     func() time.Time
}

type memoEntry struct {
	session Session
	expires time.Time
}

// NewMemorySessionCache returns an empty cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{entries: map[string]memoEntry{}, now: time.Now}
}

func (c *MemorySessionCache) Get(_ context.Context, key string) (Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		return Session{}, false, nil
	}
	return e.session, true, nil
}

func (c *MemorySessionCache) Put(_ context.Context, key string, s Session, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = memoEntry{session: s, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemorySessionCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// RedisSessionCache shares memo entries between API instances.
type RedisSessionCache struct {
	R *redis.Client
}

func redisMemoKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "checkout:memo:" + hex.EncodeToString(sum[:])
}

func (c RedisSessionCache) Get(ctx context.Context, key string) (Session, bool, error) {
	raw, err := c.R.Get(ctx, redisMemoKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}

func (c RedisSessionCache) Put(ctx context.Context, key string, s Session, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.R.Set(ctx, redisMemoKey(key), raw, ttl).Err()
}

func (c RedisSessionCache) Delete(ctx context.Context, key string) error {
	return c.R.Del(ctx, redisMemoKey(key)).Err()
}
