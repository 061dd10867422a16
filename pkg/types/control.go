package types

import "time"

// ControlStatus is the charging controller state of one entity.
type ControlStatus string

const (
	ControlStatusUnknown       ControlStatus = "unknown"
	ControlStatusIdle          ControlStatus = "idle"
	ControlStatusRunning       ControlStatus = "running"
	ControlStatusPausedByPrice ControlStatus = "pausedByPrice"
)

// Action is a request sent to the actuator.
type Action string

const (
	ActionNone  Action = ""
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// ControlledEntity is a vehicle under price control and the charger it is
// plugged into.
type ControlledEntity struct {
	EntityID string `json:"entityID"`
	DeviceID string `json:"deviceID"`
	DryRun   bool   `json:"dryRun"`
}

// ControlState is the controller state for one entity.
type ControlState struct {
	EntityID                 string        `json:"entityID"`
	DeviceID                 string        `json:"deviceID"`
	Status                   ControlStatus `json:"status"`
	DryRun                   bool          `json:"dryRun"`
	LastTransitionTime       time.Time     `json:"lastTransitionTime,omitzero"`
	LastTransitionPrice      float64       `json:"lastTransitionPrice"`
	LastTransitionPercentile *float64      `json:"lastTransitionPercentile,omitempty"`
	// LastPriceTransitionTime is the time of the last pause or resume. The
	// minimum interval between price transitions is measured from it.
	LastPriceTransitionTime time.Time `json:"lastPriceTransitionTime,omitzero"`
	// PendingAction is an actuation that failed and is retried on the next
	// evaluation.
	PendingAction      Action `json:"pendingAction,omitempty"`
	LastActuationError string `json:"lastActuationError,omitempty"`
}

// Transition is an entry in the append-only control log.
type Transition struct {
	EntityID            string        `json:"entityID"`
	Timestamp           time.Time     `json:"timestamp"`
	From                ControlStatus `json:"from"`
	To                  ControlStatus `json:"to"`
	PriceCents          float64       `json:"priceCents"`
	Percentile          *float64      `json:"percentile,omitempty"`
	ThresholdPercentile float64       `json:"thresholdPercentile,omitempty"`
	Reason              string        `json:"reason"`
	Action              Action        `json:"action,omitempty"`
	DryRun              bool          `json:"dryRun"`
	ActuationError      string        `json:"actuationError,omitempty"`
}
