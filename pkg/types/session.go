package types

import (
	"errors"
	"fmt"
	"time"
)

// SessionSource identifies which path produced a SessionRecord.
type SessionSource int

const (
	// SessionSourceLive records are integrated from local power telemetry.
	SessionSourceLive SessionSource = iota + 1
	// SessionSourceAuthoritative records come from the delayed fleet history
	// and carry meter-grade energy.
	SessionSourceAuthoritative
)

func (s SessionSource) String() string {
	switch s {
	case SessionSourceLive:
		return "live"
	case SessionSourceAuthoritative:
		return "authoritative"
	default:
		return fmt.Sprintf("SessionSource(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionSource) MarshalText() ([]byte, error) {
	switch s {
	case SessionSourceLive, SessionSourceAuthoritative:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown session source: %d", int(s))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionSource) UnmarshalText(b []byte) error {
	switch string(b) {
	case "live":
		*s = SessionSourceLive
	case "authoritative":
		*s = SessionSourceAuthoritative
	default:
		return fmt.Errorf("unknown session source: %q", string(b))
	}
	return nil
}

// SessionStatus is the reconciliation status of a record.
type SessionStatus string

const (
	// SessionStatusPending is a live record still waiting for its
	// authoritative counterpart.
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusCanonical  SessionStatus = "canonical"
	SessionStatusSuperseded SessionStatus = "superseded"
)

// CostEstimate is the estimated cost of the energy delivered in a session.
type CostEstimate struct {
	AvgPriceCents float64 `json:"avgPriceCents"`
	SupplyCents   float64 `json:"supplyCents"`
	DeliveryCents float64 `json:"deliveryCents"`
	TotalCents    float64 `json:"totalCents"`
}

// NewCostEstimate prices energyKWH at the given average supply price plus a
// flat delivery rate.
func NewCostEstimate(energyKWH, avgPriceCents, deliveryCentsPerKWH float64) CostEstimate {
	supply := energyKWH * avgPriceCents
	delivery := energyKWH * deliveryCentsPerKWH
	return CostEstimate{
		AvgPriceCents: avgPriceCents,
		SupplyCents:   supply,
		DeliveryCents: delivery,
		TotalCents:    supply + delivery,
	}
}

// ChargingEfficiency is the share of the delivered energy that reached the
// battery.
type ChargingEfficiency struct {
	DeliveredKWH float64 `json:"deliveredKWH"`
	AddedKWH     float64 `json:"addedKWH"`
	Percent      float64 `json:"percent"`
	LossKWH      float64 `json:"lossKWH"`
}

// NewChargingEfficiency compares the energy measured at the charger with the
// energy added to the vehicle. It returns nil unless both are positive.
func NewChargingEfficiency(deliveredKWH, addedKWH float64) *ChargingEfficiency {
	if deliveredKWH <= 0 || addedKWH <= 0 {
		return nil
	}
	return &ChargingEfficiency{
		DeliveredKWH: deliveredKWH,
		AddedKWH:     addedKWH,
		Percent:      addedKWH / deliveredKWH * 100,
		LossKWH:      deliveredKWH - addedKWH,
	}
}

// SessionRecord is a completed charging session.
type SessionRecord struct {
	ID              string        `json:"id"`
	DeviceID        string        `json:"deviceID"`
	VehicleID       string        `json:"vehicleID,omitempty"`
	StartTime       time.Time     `json:"startTime"`
	EndTime         time.Time     `json:"endTime"`
	DurationSeconds float64       `json:"durationS"`
	EnergyKWH       float64       `json:"energyKWH"`
	AvgPowerKW      float64       `json:"avgPowerKW"`
	PeakPowerKW     float64       `json:"peakPowerKW"`
	Source          SessionSource `json:"source"`
	Status          SessionStatus `json:"status"`
	Cost            CostEstimate  `json:"cost"`

	// Supersedes is the ID of the live record whose timing this record
	// adopted. SupersededBy is set on that live record.
	Supersedes   string `json:"supersedes,omitempty"`
	SupersededBy string `json:"supersededBy,omitempty"`
	// AuthoritativeStart is the start reported by the authoritative source.
	// Redelivered authoritative records are recognized by it.
	AuthoritativeStart time.Time `json:"authoritativeStart,omitzero"`
	// LiveEnergyKWH keeps the superseded live estimate for audit.
	LiveEnergyKWH     float64 `json:"liveEnergyKWH,omitempty"`
	EnergyDiscrepancy bool    `json:"energyDiscrepancy,omitempty"`
	// Efficiency compares the energy the charger delivered with the energy
	// the vehicle took. It is only set on merged records.
	Efficiency *ChargingEfficiency `json:"efficiency,omitempty"`

	ReceivedAt  time.Time `json:"receivedAt"`
	CanonicalAt time.Time `json:"canonicalAt,omitzero"`
}

// Canonical reports whether r is the single authoritative record of its
// physical session.
func (r SessionRecord) Canonical() bool {
	return r.Status == SessionStatusCanonical
}

// Duration returns the session duration.
func (r SessionRecord) Duration() time.Duration {
	return time.Duration(r.DurationSeconds * float64(time.Second))
}

// Validate checks the structural invariants every record must hold.
func (r SessionRecord) Validate() error {
	if r.DeviceID == "" {
		return errors.New("missing device id")
	}
	switch r.Source {
	case SessionSourceLive, SessionSourceAuthoritative:
	default:
		return fmt.Errorf("unknown source %d", int(r.Source))
	}
	if !r.EndTime.After(r.StartTime) {
		return fmt.Errorf("end time %s is not after start time %s", r.EndTime.Format(time.RFC3339), r.StartTime.Format(time.RFC3339))
	}
	if r.EnergyKWH < 0 {
		return fmt.Errorf("negative energy %f kWh", r.EnergyKWH)
	}
	if r.DurationSeconds < 0 {
		return fmt.Errorf("negative duration %f s", r.DurationSeconds)
	}
	return nil
}
