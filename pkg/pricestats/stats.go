// Package pricestats keeps a rolling window of prices and answers percentile
// questions about it.
package pricestats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raterudder/chargerudder/pkg/cache"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	// ErrTooOld is returned for a sample older than the lookback horizon.
	ErrTooOld = errors.New("price sample older than lookback")
	// ErrNonMonotonic is returned when computed percentiles are out of order.
	ErrNonMonotonic = errors.New("percentiles are not monotonic")
)

// coverageSlack is how far short of the full lookback the window may start
// and still count as covering it.
const coverageSlack = time.Hour

// Config controls the window size and snapshot caching.
type Config struct {
	Lookback   time.Duration
	CacheTTL   time.Duration
	MinSamples int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:   30 * 24 * time.Hour,
		CacheTTL:   6 * time.Hour,
		MinSamples: 100,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive: %s", c.Lookback)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative: %s", c.CacheTTL)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1: %d", c.MinSamples)
	}
	return nil
}

// Statistics owns the rolling price window. The window is ordered by time and
// a parallel slice keeps the same prices ordered by value so rank queries are
// a binary search.
type Statistics struct {
	cfg Config

	mu     sync.RWMutex
	window []types.PriceSample
	sorted []float64

	snapshot   *cache.Value[types.PriceDistributionSnapshot]
	recomputes atomic.Uint64
}

// New returns an empty Statistics.
func New(cfg Config) *Statistics {
	return &Statistics{
		cfg:      cfg,
		snapshot: cache.New[types.PriceDistributionSnapshot](cfg.CacheTTL),
	}
}

// Config returns the configuration.
func (s *Statistics) Config() Config {
	return s.cfg
}

// Ingest adds a sample to the window and evicts anything older than the
// lookback measured from the newest sample. It returns false without error
// when a sample with the same timestamp is already held.
func (s *Statistics) Ingest(p types.PriceSample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newest := p.Timestamp
	if n := len(s.window); n > 0 && s.window[n-1].Timestamp.After(newest) {
		newest = s.window[n-1].Timestamp
	}
	horizon := newest.Add(-s.cfg.Lookback)
	if p.Timestamp.Before(horizon) {
		return false, fmt.Errorf("%w: %s is before %s", ErrTooOld, p.Timestamp.Format(time.RFC3339), horizon.Format(time.RFC3339))
	}

	i := sort.Search(len(s.window), func(i int) bool {
		return !s.window[i].Timestamp.Before(p.Timestamp)
	})
	if i < len(s.window) && s.window[i].Timestamp.Equal(p.Timestamp) {
		return false, nil
	}
	s.window = append(s.window, types.PriceSample{})
	copy(s.window[i+1:], s.window[i:])
	s.window[i] = p

	j := sort.SearchFloat64s(s.sorted, p.CentsPerKWH)
	s.sorted = append(s.sorted, 0)
	copy(s.sorted[j+1:], s.sorted[j:])
	s.sorted[j] = p.CentsPerKWH

	s.evictLocked(horizon)
	return true, nil
}

// evictLocked drops samples before horizon. s.mu must be held for writing.
func (s *Statistics) evictLocked(horizon time.Time) {
	n := 0
	for n < len(s.window) && s.window[n].Timestamp.Before(horizon) {
		v := s.window[n].CentsPerKWH
		j := sort.SearchFloat64s(s.sorted, v)
		s.sorted = append(s.sorted[:j], s.sorted[j+1:]...)
		n++
	}
	if n > 0 {
		s.window = append(s.window[:0], s.window[n:]...)
	}
}

// evictBefore evicts samples older than the lookback measured from now. It
// only takes the write lock when there is something to evict.
func (s *Statistics) evictBefore(now time.Time) {
	horizon := now.Add(-s.cfg.Lookback)
	s.mu.RLock()
	stale := len(s.window) > 0 && s.window[0].Timestamp.Before(horizon)
	s.mu.RUnlock()
	if !stale {
		return
	}
	s.mu.Lock()
	s.evictLocked(horizon)
	s.mu.Unlock()
}

// Len returns the number of samples in the window.
func (s *Statistics) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.window)
}

// Latest returns the newest sample.
func (s *Statistics) Latest() (types.PriceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.window) == 0 {
		return types.PriceSample{}, false
	}
	return s.window[len(s.window)-1], true
}

// Recomputes returns how many snapshots have been computed.
func (s *Statistics) Recomputes() uint64 {
	return s.recomputes.Load()
}

// Snapshot returns the distribution snapshot, recomputing it when the cached
// one is at least CacheTTL old. Concurrent callers share one recompute. An
// insufficient snapshot is never kept, so the next call sees a backfill.
func (s *Statistics) Snapshot(ctx context.Context, now time.Time) (types.PriceDistributionSnapshot, error) {
	snap, err := s.snapshot.Get(ctx, now, func(ctx context.Context) (types.PriceDistributionSnapshot, error) {
		return s.compute(ctx, now)
	})
	if err == nil && snap.Insufficient {
		s.snapshot.Invalidate()
	}
	return snap, err
}

// Refresh drops the cached snapshot and recomputes it.
func (s *Statistics) Refresh(ctx context.Context, now time.Time) (types.PriceDistributionSnapshot, error) {
	s.snapshot.Invalidate()
	return s.Snapshot(ctx, now)
}

func (s *Statistics) compute(ctx context.Context, now time.Time) (types.PriceDistributionSnapshot, error) {
	s.evictBefore(now)

	s.mu.RLock()
	vals := make([]float64, len(s.sorted))
	copy(vals, s.sorted)
	var oldest time.Time
	if len(s.window) > 0 {
		oldest = s.window[0].Timestamp
	}
	s.mu.RUnlock()

	s.recomputes.Add(1)
	snap := types.PriceDistributionSnapshot{
		ComputedAt:  now,
		SampleCount: len(vals),
	}
	if !oldest.IsZero() {
		snap.WindowDaysCovered = now.Sub(oldest).Hours() / 24
	}
	full := !oldest.IsZero() && now.Sub(oldest) >= s.cfg.Lookback-coverageSlack

	if len(vals) < s.cfg.MinSamples {
		snap.Insufficient = true
		snap.LowConfidence = true
		log.Ctx(ctx).DebugContext(
			ctx,
			"not enough prices for statistics",
			slog.Int("count", len(vals)),
			slog.Int("minSamples", s.cfg.MinSamples),
		)
		return snap, nil
	}

	n := len(vals)
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}

	snap.Mean = mean
	snap.StdDev = math.Sqrt(sq / float64(n))
	snap.Min = vals[0]
	snap.Max = vals[n-1]
	if n%2 == 0 {
		snap.Median = (vals[n/2-1] + vals[n/2]) / 2
	} else {
		snap.Median = vals[n/2]
	}
	snap.P10 = percentile(vals, 10)
	snap.P25 = percentile(vals, 25)
	snap.P75 = percentile(vals, 75)
	snap.P90 = percentile(vals, 90)
	snap.P95 = percentile(vals, 95)
	snap.LowConfidence = !full

	if !(snap.P10 <= snap.P25 && snap.P25 <= snap.P75 && snap.P75 <= snap.P90 && snap.P90 <= snap.P95) {
		log.Ctx(ctx).ErrorContext(
			ctx,
			"computed percentiles out of order",
			slog.Float64("p10", snap.P10),
			slog.Float64("p25", snap.P25),
			slog.Float64("p75", snap.P75),
			slog.Float64("p90", snap.P90),
			slog.Float64("p95", snap.P95),
		)
		return types.PriceDistributionSnapshot{}, ErrNonMonotonic
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"computed price statistics",
		slog.Int("count", n),
		slog.Float64("daysCovered", snap.WindowDaysCovered),
		slog.Float64("median", snap.Median),
		slog.Float64("p90", snap.P90),
		slog.Bool("lowConfidence", snap.LowConfidence),
	)
	return snap, nil
}

// percentile linearly interpolates between the two ranks around
// (n-1)*p/100 of an ascending slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	idx := float64(n-1) * p / 100
	lo := int(math.Floor(idx))
	hi := min(lo+1, n-1)
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// PercentileOf returns the share of windowed prices at or below price, from 0
// to 100. It returns false while the window holds fewer than MinSamples.
func (s *Statistics) PercentileOf(price float64, now time.Time) (float64, bool) {
	s.evictBefore(now)

	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.sorted)
	if n < s.cfg.MinSamples || n == 0 {
		return 0, false
	}
	count := sort.Search(n, func(i int) bool { return s.sorted[i] > price })
	return float64(count) / float64(n) * 100, true
}

// AverageBetween returns the mean price of samples stamped within
// [start, end]. If none fall inside, the last sample before start is used.
func (s *Statistics) AverageBetween(start, end time.Time) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.window), func(i int) bool {
		return !s.window[i].Timestamp.Before(start)
	})
	var sum float64
	var n int
	for j := i; j < len(s.window) && !s.window[j].Timestamp.After(end); j++ {
		sum += s.window[j].CentsPerKWH
		n++
	}
	if n > 0 {
		return sum / float64(n), true
	}
	if i > 0 {
		return s.window[i-1].CentsPerKWH, true
	}
	return 0, false
}
