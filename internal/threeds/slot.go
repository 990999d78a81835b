package threeds

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ErrStepUpInProgress is returned when the tab already waits on another order.
var ErrStepUpInProgress = errors.New("threeds: another step-up is in progress for this tab")

// Slots allows at most one outstanding step-up per tab.
type Slots interface {
	// Claim takes the slot for orderID. Reclaiming for the same order succeeds.
	Claim(ctx context.Context, tabID, orderID string, ttl time.Duration) error
	Release(ctx context.Context, tabID, orderID string) error
}

// RedisSlots keeps slots in Redis so every instance sees them.
type RedisSlots struct {
	R *redis.Client
}

func slotKey(tabID string) string { return "checkout:3ds:slot:" + tabID }

// releaseScript deletes the slot only while it still belongs to the order.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (s RedisSlots) Claim(ctx context.Context, tabID, orderID string, ttl time.Duration) error {
	ok, err := s.R.SetNX(ctx, slotKey(tabID), orderID, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	owner, err := s.R.Get(ctx, slotKey(tabID)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return s.Claim(ctx, tabID, orderID, ttl)
	}
	if err != nil {
		return err
	}
	if owner != orderID {
		return ErrStepUpInProgress
	}
	return s.R.Expire(ctx, slotKey(tabID), ttl).Err()
}

func (s RedisSlots) Release(ctx context.Context, tabID, orderID string) error {
	return releaseScript.Run(ctx, s.R, []string{slotKey(tabID)}, orderID).Err()
}

// MemorySlots is a process-local Slots.
type MemorySlots struct {
	mu    sync.Mutex
	slots map[string]memorySlot
	now   func() time.Time
}

type memorySlot struct {
	orderID string
	expires time.Time
}

// NewMemorySlots returns an empty slot table.
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{slots: map[string]memorySlot{}, now: time.Now}
}

func (s *MemorySlots) Claim(_ context.Context, tabID, orderID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.slots[tabID]; ok && now.Before(cur.expires) && cur.orderID != orderID {
		return ErrStepUpInProgress
	}
	s.slots[tabID] = memorySlot{orderID: orderID, expires: now.Add(ttl)}
	return nil
}

func (s *MemorySlots) Release(_ context.Context, tabID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.slots[tabID]; ok && cur.orderID == orderID {
		delete(s.slots, tabID)
	}
	return nil
}
