// Package statestore persists small pieces of operational state that live
// outside the domain tables. Values are msgpack-encoded blobs keyed by
// name, following the same expiry-keyed key/value shape the teacher uses
// for its HTTP response cache. The materialized updater stores its online
// high-water mark here; the circuit-breaker snapshot type and key are
// defined, but no caller in this module stores a snapshot.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"
)

// Store is a small persisted key/value store backed by a single table.
type Store struct {
	db *sqlx.DB
}

// New constructs a Store backed by db. Callers must ensure the
// operational_state table exists (created by the migration).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Set stores value under key, msgpack-encoded, overwriting any prior value.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	payload, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operational_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, payload)
	if err != nil {
		return fmt.Errorf("statestore: set %s: %w", key, err)
	}
	return nil
}

// Get loads the value stored under key into dest, a pointer to the value's
// type. Returns (false, nil) if no value is stored for key.
func (s *Store) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM operational_state WHERE key = $1`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statestore: get %s: %w", key, err)
	}

	if err := msgpack.Unmarshal(payload, dest); err != nil {
		return false, fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM operational_state WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", key, err)
	}
	return nil
}

// HighWaterMark is the per-collector cursor tracking how far the updater
// has advanced through a symbol's timeline.
type HighWaterMark struct {
	Symbol     string
	LastHour   time.Time
	UpdatedAt  time.Time
}

// CircuitBreakerSnapshot is the stored shape of a collector's circuit
// breaker state. No caller in this module writes or reads one;
// /circuit-breaker-status reports each breaker's live, in-memory state.
type CircuitBreakerSnapshot struct {
	Collector    string
	State        string // "open", "half_open", "closed"
	Failures     int
	LastTripAt   time.Time
}

// HighWaterMarkKey returns the statestore key for a collector+symbol pair.
func HighWaterMarkKey(collector, symbol string) string {
	return "hwm:" + collector + ":" + symbol
}

// CircuitBreakerKey returns the statestore key for a collector's breaker
// snapshot.
func CircuitBreakerKey(collector string) string {
	return "breaker:" + collector
}
