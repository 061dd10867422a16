package storagemock

import (
	"context"
	"time"

	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertSessions(ctx context.Context, records []types.SessionRecord) error {
	args := m.Called(ctx, records)
	return args.Error(0)
}

func (m *MockDatabase) GetSession(ctx context.Context, id string) (types.SessionRecord, error) {
	args := m.Called(ctx, id)
	if len(args) > 0 {
		return args.Get(0).(types.SessionRecord), args.Error(1)
	}
	return types.SessionRecord{}, storage.ErrNotFound
}

func (m *MockDatabase) GetSessions(ctx context.Context, start, end time.Time) ([]types.SessionRecord, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.SessionRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPrices(ctx context.Context, prices []types.PriceSample) error {
	args := m.Called(ctx, prices)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceSample, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceSample), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestPriceTime(ctx context.Context) (time.Time, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Error(1)
	}
	return time.Time{}, nil
}

func (m *MockDatabase) InsertTransition(ctx context.Context, tr types.Transition) error {
	args := m.Called(ctx, tr)
	return args.Error(0)
}

func (m *MockDatabase) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Transition), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
