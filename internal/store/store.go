// Package store is the Postgres ledger of checkout attempts and events.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/storefront-checkout/internal/events"
	"github.com/noah-isme/storefront-checkout/internal/obs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when no attempt matches.
var ErrNotFound = errors.New("store: not found")

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists checkout attempts and events.
type Store struct {
	db DB
}

// New wraps db.
func New(db DB) *Store { return &Store{db: db} }

// Open connects a traced pool.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = obs.PGXTracer{Database: cfg.ConnConfig.Database}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded migrations.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, pgx5URL(databaseURL))
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// pgx5URL switches a postgres:// url to the scheme the pgx v5 migrate driver registers.
func pgx5URL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if len(databaseURL) > len(prefix) && databaseURL[:len(prefix)] == prefix {
			return "pgx5://" + databaseURL[len(prefix):]
		}
	}
	return databaseURL
}

// Attempt is one payment session as recorded in the ledger.
type Attempt struct {
	CheckoutID        string
	Rail              string
	ProviderSessionID string
	Status            string
	OrderID           string
	CaptureID         string
	Currency          string
	GrandTotal        int64
	Message           string
	UpdatedAt         time.Time
}

// UpsertAttempt inserts or advances an attempt.
func (s *Store) UpsertAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO checkout_attempts
    (checkout_id, rail, provider_session_id, status, order_id, capture_id, currency, grand_total, message)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, NULLIF($9, ''))
ON CONFLICT (checkout_id, rail, provider_session_id) DO UPDATE SET
    status      = EXCLUDED.status,
    order_id    = COALESCE(EXCLUDED.order_id, checkout_attempts.order_id),
    capture_id  = COALESCE(EXCLUDED.capture_id, checkout_attempts.capture_id),
    message     = EXCLUDED.message,
    updated_at  = now()`,
		a.CheckoutID, a.Rail, a.ProviderSessionID, a.Status, a.OrderID, a.CaptureID, a.Currency, a.GrandTotal, a.Message)
	if err != nil {
		return fmt.Errorf("store: upsert attempt: %w", err)
	}
	return nil
}

// Attempts lists the attempts of a checkout, newest first.
func (s *Store) Attempts(ctx context.Context, checkoutID string) ([]Attempt, error) {
	rows, err := s.db.Query(ctx, `
SELECT checkout_id, rail, provider_session_id, status, COALESCE(order_id, ''), COALESCE(capture_id, ''),
       currency, grand_total, COALESCE(message, ''), updated_at
FROM checkout_attempts WHERE checkout_id = $1 ORDER BY updated_at DESC`, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("store: list attempts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Attempt, error) {
		var a Attempt
		err := row.Scan(&a.CheckoutID, &a.Rail, &a.ProviderSessionID, &a.Status, &a.OrderID, &a.CaptureID,
			&a.Currency, &a.GrandTotal, &a.Message, &a.UpdatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan attempts: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// InsertEvent implements events.EventStore.
func (s *Store) InsertEvent(ctx context.Context, ev events.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO checkout_events (id, topic, checkout_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Topic, ev.CheckoutID, []byte(payload), ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	return nil
}
