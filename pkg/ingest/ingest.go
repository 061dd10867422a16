// Package ingest validates samples coming from pollers and forwards them to
// the session tracker and the price window.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrInvalidSample wraps every validation failure.
var ErrInvalidSample = errors.New("invalid sample")

// maxFutureSkew is how far ahead of the local clock a sample may be stamped.
const maxFutureSkew = 2 * time.Minute

// PowerSink consumes validated power samples and may return a completed
// session.
type PowerSink interface {
	Update(ctx context.Context, sample types.PowerSample) (*types.SessionRecord, error)
}

// PriceSink consumes validated price samples. It reports false for samples it
// already holds.
type PriceSink interface {
	Ingest(sample types.PriceSample) (bool, error)
}

// Ingest is the entry point for raw samples.
type Ingest struct {
	power  PowerSink
	prices PriceSink
	now    func() time.Time
}

// New returns an Ingest forwarding to the given sinks.
func New(power PowerSink, prices PriceSink) *Ingest {
	return &Ingest{
		power:  power,
		prices: prices,
		now:    time.Now,
	}
}

// ValidatePower checks a power sample without forwarding it.
func ValidatePower(s types.PowerSample, now time.Time) error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidSample)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp for device %s", ErrInvalidSample, s.DeviceID)
	}
	if s.Timestamp.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("%w: timestamp %s for device %s is in the future", ErrInvalidSample, s.Timestamp.Format(time.RFC3339), s.DeviceID)
	}
	if math.IsNaN(s.PowerWatts) || math.IsInf(s.PowerWatts, 0) {
		return fmt.Errorf("%w: non-finite power for device %s", ErrInvalidSample, s.DeviceID)
	}
	if s.PowerWatts < 0 {
		return fmt.Errorf("%w: negative power %f W for device %s", ErrInvalidSample, s.PowerWatts, s.DeviceID)
	}
	return nil
}

// ValidatePrice checks a price sample without forwarding it. Negative prices
// are legal on real-time markets.
func ValidatePrice(s types.PriceSample, now time.Time) error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing price timestamp", ErrInvalidSample)
	}
	if s.Timestamp.After(now.Add(maxFutureSkew)) {
		return fmt.Errorf("%w: price timestamp %s is in the future", ErrInvalidSample, s.Timestamp.Format(time.RFC3339))
	}
	if math.IsNaN(s.CentsPerKWH) || math.IsInf(s.CentsPerKWH, 0) {
		return fmt.Errorf("%w: non-finite price at %s", ErrInvalidSample, s.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// Power validates and forwards a single power sample.
func (i *Ingest) Power(ctx context.Context, s types.PowerSample) (*types.SessionRecord, error) {
	if err := ValidatePower(s, i.now()); err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"rejected power sample",
			slog.String("deviceID", s.DeviceID),
			slog.Time("timestamp", s.Timestamp),
			slog.Float64("powerWatts", s.PowerWatts),
			slog.Any("error", err),
		)
		return nil, err
	}
	return i.power.Update(ctx, s)
}

// PriceResult counts the outcome of a price batch.
type PriceResult struct {
	Accepted   int
	Duplicates int
	Rejected   int
}

// Prices validates and forwards a batch of price samples. Bad samples are
// dropped individually; the rest of the batch still goes through.
func (i *Ingest) Prices(ctx context.Context, samples []types.PriceSample) PriceResult {
	var res PriceResult
	now := i.now()
	for _, s := range samples {
		if err := ValidatePrice(s, now); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "rejected price sample", slog.Time("timestamp", s.Timestamp), slog.Any("error", err))
			res.Rejected++
			continue
		}
		added, err := i.prices.Ingest(s)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "price window rejected sample", slog.Time("timestamp", s.Timestamp), slog.Any("error", err))
			res.Rejected++
			continue
		}
		if !added {
			res.Duplicates++
			continue
		}
		res.Accepted++
	}
	return res
}
