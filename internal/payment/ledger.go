package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CaptureRecord is the order created by a successful capture.
type CaptureRecord struct {
	OrderID   string `json:"orderId"`
	CaptureID string `json:"captureId"`
}

// Ledger remembers captures per provider session so a repeated capture
// returns the first order instead of creating another.
type Ledger interface {
	Lookup(ctx context.Context, rail Kind, sessionID string) (CaptureRecord, bool, error)
	// Record stores rec unless a record exists, and returns the stored one.
	Record(ctx context.Context, rail Kind, sessionID string, rec CaptureRecord) (CaptureRecord, error)
}

// captureOnce runs capture at most once per provider session across
// concurrent callers and repeated requests.
type captureOnce struct {
	ledger Ledger
	group  singleflight.Group
}

func (c *captureOnce) do(ctx context.Context, rail Kind, sessionID string, capture func(context.Context) Outcome) Outcome {
	v, _, _ := c.group.Do(string(rail)+":"+sessionID, func() (any, error) {
		if rec, ok, err := c.ledger.Lookup(ctx, rail, sessionID); err == nil && ok {
			return Captured(rec.OrderID, rec.CaptureID), nil
		}
		out := capture(ctx)
		if out.Status != OutcomeCaptured {
			return out, nil
		}
		rec, err := c.ledger.Record(ctx, rail, sessionID, CaptureRecord{OrderID: out.OrderID, CaptureID: out.CaptureID})
		if err != nil {
			// capture happened; the ledger is bookkeeping
			return out, nil
		}
		return Captured(rec.OrderID, rec.CaptureID), nil
	})
	return v.(Outcome)
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]CaptureRecord
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: map[string]CaptureRecord{}}
}

func (l *MemoryLedger) Lookup(_ context.Context, rail Kind, sessionID string) (CaptureRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[string(rail)+":"+sessionID]
	return rec, ok, nil
}

func (l *MemoryLedger) Record(_ context.Context, rail Kind, sessionID string, rec CaptureRecord) (CaptureRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := string(rail) + ":" + sessionID
	if existing, ok := l.records[key]; ok {
		return existing, nil
	}
	l.records[key] = rec
	return rec, nil
}

// RedisLedger shares the capture ledger between instances using SETNX.
type RedisLedger struct {
	R   *redis.Client
	TTL time.Duration
}

func redisLedgerKey(rail Kind, sessionID string) string {
	return "checkout:capture:" + string(rail) + ":" + sessionID
}

func (l RedisLedger) Lookup(ctx context.Context, rail Kind, sessionID string) (CaptureRecord, bool, error) {
	raw, err := l.R.Get(ctx, redisLedgerKey(rail, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CaptureRecord{}, false, nil
	}
	if err != nil {
		return CaptureRecord{}, false, err
	}
	var rec CaptureRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CaptureRecord{}, false, err
	}
	return rec, true, nil
}

func (l RedisLedger) Record(ctx context.Context, rail Kind, sessionID string, rec CaptureRecord) (CaptureRecord, error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	ok, err := l.R.SetNX(ctx, redisLedgerKey(rail, sessionID), raw, ttl).Result()
	if err != nil {
		return rec, err
	}
	if ok {
		return rec, nil
	}
	existing, found, err := l.Lookup(ctx, rail, sessionID)
	if err != nil || !found {
		return rec, err
	}
	return existing, nil
}
