package pricestats

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, s *Statistics, t0 time.Time, spacing time.Duration, cents ...float64) time.Time {
	t.Helper()
	var ts time.Time
	for i, c := range cents {
		ts = t0.Add(time.Duration(i) * spacing)
		added, err := s.Ingest(types.PriceSample{Timestamp: ts, CentsPerKWH: c})
		require.NoError(t, err)
		require.True(t, added)
	}
	return ts
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Distribution", func(t *testing.T) {
		s := New(Config{Lookback: 30 * 24 * time.Hour, CacheTTL: 6 * time.Hour, MinSamples: 10})
		// deliberately not in value order
		last := fill(t, s, t0, 5*time.Minute, 9, 3, 20, 2, 5, 8, 3, 6, 4, 7)

		snap, err := s.Snapshot(ctx, last)
		require.NoError(t, err)
		assert.Equal(t, 10, snap.SampleCount)
		assert.False(t, snap.Insufficient)
		assert.True(t, snap.LowConfidence, "45 minutes of prices does not cover 30 days")
		assert.InDelta(t, 6.7, snap.Mean, 1e-9)
		assert.InDelta(t, 5.5, snap.Median, 1e-9)
		assert.Equal(t, 2.0, snap.Min)
		assert.Equal(t, 20.0, snap.Max)
		assert.InDelta(t, 2.9, snap.P10, 1e-9)
		assert.InDelta(t, 3.25, snap.P25, 1e-9)
		assert.InDelta(t, 7.75, snap.P75, 1e-9)
		assert.InDelta(t, 10.1, snap.P90, 1e-9)
		assert.InDelta(t, 15.05, snap.P95, 1e-9)
		assert.InDelta(t, 4.9406, snap.StdDev, 0.0001)

		pct, ok := s.PercentileOf(8.5, last)
		require.True(t, ok)
		assert.InDelta(t, 80.0, pct, 1e-9)

		pct, ok = s.PercentileOf(1, last)
		require.True(t, ok)
		assert.Zero(t, pct)
		pct, ok = s.PercentileOf(20, last)
		require.True(t, ok)
		assert.Equal(t, 100.0, pct)
	})

	t.Run("CachedWithinTTL", func(t *testing.T) {
		s := New(Config{Lookback: 24 * time.Hour, CacheTTL: time.Hour, MinSamples: 3})
		last := fill(t, s, t0, 5*time.Minute, 1, 2, 3, 4)

		first, err := s.Snapshot(ctx, last)
		require.NoError(t, err)
		second, err := s.Snapshot(ctx, last.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, uint64(1), s.Recomputes())

		// new samples are not visible until the cache expires
		_, err = s.Ingest(types.PriceSample{Timestamp: last.Add(5 * time.Minute), CentsPerKWH: 100})
		require.NoError(t, err)
		third, err := s.Snapshot(ctx, last.Add(59*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, first, third)

		fourth, err := s.Snapshot(ctx, last.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 5, fourth.SampleCount)
		assert.Equal(t, uint64(2), s.Recomputes())
	})

	t.Run("StableAfterExpiry", func(t *testing.T) {
		s := New(Config{Lookback: 24 * time.Hour, CacheTTL: time.Hour, MinSamples: 3})
		last := fill(t, s, t0, 5*time.Minute, 4, 1, 3, 2)

		first, err := s.Snapshot(ctx, last)
		require.NoError(t, err)
		later, err := s.Snapshot(ctx, last.Add(2*time.Hour))
		require.NoError(t, err)

		assert.NotEqual(t, first.ComputedAt, later.ComputedAt)
		first.ComputedAt, later.ComputedAt = time.Time{}, time.Time{}
		first.WindowDaysCovered, later.WindowDaysCovered = 0, 0
		assert.Equal(t, first, later)
	})

	t.Run("Insufficient", func(t *testing.T) {
		s := New(DefaultConfig())
		last := fill(t, s, t0, 5*time.Minute, 2, 3, 3, 4, 5, 6, 7, 8, 9, 20)

		snap, err := s.Snapshot(ctx, last)
		require.NoError(t, err)
		assert.True(t, snap.Insufficient)
		assert.True(t, snap.LowConfidence)
		assert.Equal(t, 10, snap.SampleCount)
		assert.Zero(t, snap.P90)

		_, ok := s.PercentileOf(8.5, last)
		assert.False(t, ok)

		// an insufficient snapshot is not cached, a backfill shows up at once
		more := make([]float64, 100)
		for i := range more {
			more[i] = float64(i%10 + 1)
		}
		last = fill(t, s, last.Add(5*time.Minute), 5*time.Minute, more...)
		snap, err = s.Snapshot(ctx, last)
		require.NoError(t, err)
		assert.False(t, snap.Insufficient)
		assert.Equal(t, 110, snap.SampleCount)
		assert.Equal(t, uint64(2), s.Recomputes())

		// a sufficient one is
		_, err = s.Snapshot(ctx, last.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), s.Recomputes())
	})

	t.Run("Empty", func(t *testing.T) {
		s := New(DefaultConfig())
		snap, err := s.Snapshot(ctx, t0)
		require.NoError(t, err)
		assert.True(t, snap.Insufficient)
		assert.Zero(t, snap.WindowDaysCovered)
		_, ok := s.Latest()
		assert.False(t, ok)
	})

	t.Run("FullCoverage", func(t *testing.T) {
		s := New(Config{Lookback: 24 * time.Hour, CacheTTL: time.Hour, MinSamples: 10})
		cents := make([]float64, 288)
		for i := range cents {
			cents[i] = float64(i % 17)
		}
		last := fill(t, s, t0, 5*time.Minute, cents...)

		snap, err := s.Snapshot(ctx, last)
		require.NoError(t, err)
		assert.False(t, snap.LowConfidence)
		assert.InDelta(t, 1.0, snap.WindowDaysCovered, 0.01)
	})

	t.Run("MonotonicPercentiles", func(t *testing.T) {
		r := rand.New(rand.NewPCG(7, 11))
		for round := 0; round < 20; round++ {
			s := New(Config{Lookback: 30 * 24 * time.Hour, CacheTTL: time.Hour, MinSamples: 1})
			n := 1 + r.IntN(500)
			cents := make([]float64, n)
			for i := range cents {
				cents[i] = r.NormFloat64()*4 + 3
			}
			last := fill(t, s, t0, time.Minute, cents...)

			snap, err := s.Snapshot(ctx, last)
			require.NoError(t, err)
			assert.LessOrEqual(t, snap.Min, snap.P10)
			assert.LessOrEqual(t, snap.P10, snap.P25)
			assert.LessOrEqual(t, snap.P25, snap.P75)
			assert.LessOrEqual(t, snap.P75, snap.P90)
			assert.LessOrEqual(t, snap.P90, snap.P95)
			assert.LessOrEqual(t, snap.P95, snap.Max)
		}
	})

	t.Run("ConcurrentMissesComputeOnce", func(t *testing.T) {
		s := New(Config{Lookback: 24 * time.Hour, CacheTTL: time.Hour, MinSamples: 1})
		cents := make([]float64, 5000)
		for i := range cents {
			cents[i] = float64(i % 97)
		}
		last := fill(t, s, t0.Add(-24*time.Hour), 10*time.Second, cents...)

		var wg sync.WaitGroup
		snaps := make([]types.PriceDistributionSnapshot, 32)
		for i := range snaps {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				snap, err := s.Snapshot(ctx, last)
				assert.NoError(t, err)
				snaps[i] = snap
			}(i)
		}
		wg.Wait()

		assert.Equal(t, uint64(1), s.Recomputes())
		for _, snap := range snaps {
			assert.Equal(t, snaps[0], snap)
		}
	})
}

func TestIngest(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	t.Run("DuplicatesIgnored", func(t *testing.T) {
		s := New(DefaultConfig())
		added, err := s.Ingest(types.PriceSample{Timestamp: t0, CentsPerKWH: 3})
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.Ingest(types.PriceSample{Timestamp: t0, CentsPerKWH: 4})
		require.NoError(t, err)
		assert.False(t, added)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("BackfillKeepsTimeOrder", func(t *testing.T) {
		s := New(DefaultConfig())
		for _, m := range []int{10, 0, 5, 15} {
			_, err := s.Ingest(types.PriceSample{Timestamp: t0.Add(time.Duration(m) * time.Minute), CentsPerKWH: float64(m)})
			require.NoError(t, err)
		}
		latest, ok := s.Latest()
		require.True(t, ok)
		assert.Equal(t, 15.0, latest.CentsPerKWH)
	})

	t.Run("Eviction", func(t *testing.T) {
		s := New(Config{Lookback: time.Hour, CacheTTL: time.Hour, MinSamples: 1})
		_, err := s.Ingest(types.PriceSample{Timestamp: t0, CentsPerKWH: 50})
		require.NoError(t, err)
		_, err = s.Ingest(types.PriceSample{Timestamp: t0.Add(30 * time.Minute), CentsPerKWH: 1})
		require.NoError(t, err)
		_, err = s.Ingest(types.PriceSample{Timestamp: t0.Add(90 * time.Minute), CentsPerKWH: 2})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len())

		pct, ok := s.PercentileOf(1.5, t0.Add(90*time.Minute))
		require.True(t, ok)
		assert.Equal(t, 50.0, pct)

		_, err = s.Ingest(types.PriceSample{Timestamp: t0, CentsPerKWH: 50})
		assert.ErrorIs(t, err, ErrTooOld)

		// queries evict relative to the caller's clock as well
		pct, ok = s.PercentileOf(1.5, t0.Add(140*time.Minute))
		require.True(t, ok)
		assert.Equal(t, 0.0, pct)
		assert.Equal(t, 1, s.Len())
	})
}

func TestAverageBetween(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	s := New(DefaultConfig())
	fill(t, s, t0, 5*time.Minute, 2, 4, 6, 8)

	avg, ok := s.AverageBetween(t0.Add(5*time.Minute), t0.Add(10*time.Minute))
	require.True(t, ok)
	assert.Equal(t, 5.0, avg)

	avg, ok = s.AverageBetween(t0.Add(16*time.Minute), t0.Add(18*time.Minute))
	require.True(t, ok)
	assert.Equal(t, 8.0, avg, "falls back to the last price before the range")

	_, ok = s.AverageBetween(t0.Add(-time.Hour), t0.Add(-time.Minute))
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Lookback: 0, MinSamples: 1}.Validate())
	assert.Error(t, Config{Lookback: time.Hour, MinSamples: 0}.Validate())
}
