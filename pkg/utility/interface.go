package utility

import (
	"context"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
)

// Provider is a source of market supply prices.
type Provider interface {
	// Name identifies the provider on stored samples.
	Name() string

	// PollInterval is how often Poll should be called.
	PollInterval() time.Duration

	// Poll returns prices published since the previous call. The first call
	// may return a backfill of recent history.
	Poll(ctx context.Context) ([]types.PriceSample, error)

	// History returns prices stamped within [start, end].
	History(ctx context.Context, start, end time.Time) ([]types.PriceSample, error)
}

var _ Provider = (*ComEd)(nil)
