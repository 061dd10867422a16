// Package storage persists sessions, prices and control transitions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Database is an append-mostly sink with time range queries.
type Database interface {
	// Sessions
	// UpsertSessions adds or replaces session records by ID.
	UpsertSessions(ctx context.Context, records []types.SessionRecord) error
	GetSession(ctx context.Context, id string) (types.SessionRecord, error)
	GetSessions(ctx context.Context, start, end time.Time) ([]types.SessionRecord, error)

	// Prices
	UpsertPrices(ctx context.Context, prices []types.PriceSample) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceSample, error)
	GetLatestPriceTime(ctx context.Context) (time.Time, error)

	// Control log
	InsertTransition(ctx context.Context, tr types.Transition) error
	GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error)

	// Lifecycle
	Close() error
}

var (
	_ Database = (*FirestoreProvider)(nil)
	_ Database = (*SQLiteProvider)(nil)
)
