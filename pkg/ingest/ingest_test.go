package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPowerSink struct {
	mock.Mock
}

func (m *mockPowerSink) Update(ctx context.Context, s types.PowerSample) (*types.SessionRecord, error) {
	args := m.Called(ctx, s)
	rec, _ := args.Get(0).(*types.SessionRecord)
	return rec, args.Error(1)
}

type fakePriceSink struct {
	seen map[time.Time]bool
	err  error
}

func (f *fakePriceSink) Ingest(s types.PriceSample) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[s.Timestamp] {
		return false, nil
	}
	f.seen[s.Timestamp] = true
	return true, nil
}

func TestPower(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)

	t.Run("Forwards", func(t *testing.T) {
		sink := &mockPowerSink{}
		in := New(sink, &fakePriceSink{})
		in.now = func() time.Time { return now }

		s := types.PowerSample{DeviceID: "garage", Timestamp: now, PowerWatts: 7200}
		rec := &types.SessionRecord{ID: "abc"}
		sink.On("Update", ctx, s).Return(rec, nil).Once()

		got, err := in.Power(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
		sink.AssertExpectations(t)
	})

	t.Run("Rejects", func(t *testing.T) {
		cases := map[string]types.PowerSample{
			"MissingDevice": {Timestamp: now, PowerWatts: 1},
			"MissingTime":   {DeviceID: "garage", PowerWatts: 1},
			"Future":        {DeviceID: "garage", Timestamp: now.Add(time.Hour), PowerWatts: 1},
			"NaN":           {DeviceID: "garage", Timestamp: now, PowerWatts: math.NaN()},
			"Negative":      {DeviceID: "garage", Timestamp: now, PowerWatts: -5},
		}
		for name, s := range cases {
			t.Run(name, func(t *testing.T) {
				sink := &mockPowerSink{}
				in := New(sink, &fakePriceSink{})
				in.now = func() time.Time { return now }

				_, err := in.Power(ctx, s)
				assert.ErrorIs(t, err, ErrInvalidSample)
				sink.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
			})
		}
	})

	t.Run("SinkErrorPassesThrough", func(t *testing.T) {
		sink := &mockPowerSink{}
		in := New(sink, &fakePriceSink{})
		in.now = func() time.Time { return now }
		s := types.PowerSample{DeviceID: "garage", Timestamp: now}
		sink.On("Update", ctx, s).Return(nil, errors.New("out of order")).Once()

		_, err := in.Power(ctx, s)
		assert.ErrorContains(t, err, "out of order")
	})
}

func TestPrices(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)

	sink := &fakePriceSink{seen: map[time.Time]bool{}}
	in := New(&mockPowerSink{}, sink)
	in.now = func() time.Time { return now }

	res := in.Prices(ctx, []types.PriceSample{
		{Timestamp: now.Add(-10 * time.Minute), CentsPerKWH: 3.1},
		{Timestamp: now.Add(-5 * time.Minute), CentsPerKWH: -0.4},
		{Timestamp: now.Add(-5 * time.Minute), CentsPerKWH: -0.4},
		{Timestamp: now, CentsPerKWH: math.Inf(1)},
		{CentsPerKWH: 2},
	})
	assert.Equal(t, PriceResult{Accepted: 2, Duplicates: 1, Rejected: 2}, res)

	sink.err = errors.New("too old")
	res = in.Prices(ctx, []types.PriceSample{{Timestamp: now, CentsPerKWH: 1}})
	assert.Equal(t, PriceResult{Rejected: 1}, res)
}
