package fleet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// MockRequest is a command received by the Mock.
type MockRequest struct {
	EntityID string
	Action   types.Action
}

// Mock is an in-memory actuator. It records every command and tracks whether
// each vehicle is charging.
type Mock struct {
	mu       sync.Mutex
	requests []MockRequest
	charging map[string]bool
	// Fail, when set, is returned for every request instead of recording it.
	Fail error
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{charging: make(map[string]bool)}
}

// Request implements the controller actuator.
func (m *Mock) Request(ctx context.Context, entityID string, action types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.requests = append(m.requests, MockRequest{EntityID: entityID, Action: action})
	m.charging[entityID] = action == types.ActionStart
	log.Ctx(ctx).InfoContext(
		ctx,
		"mock charging command",
		slog.String("entityID", entityID),
		slog.String("action", string(action)),
	)
	return nil
}

// Requests returns a copy of every recorded command.
func (m *Mock) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// Charging reports the last commanded state of a vehicle.
func (m *Mock) Charging(entityID string) (charging, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	charging, known = m.charging[entityID]
	return charging, known
}
