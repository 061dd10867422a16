// Package session turns per-device power telemetry into charging sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrOutOfOrder is returned for a sample that is not newer than the previous
// sample of the same device.
var ErrOutOfOrder = errors.New("out of order sample")

// Config holds the session detection thresholds.
type Config struct {
	// StartThresholdWatts is the noise floor. Power strictly above it counts
	// as charging.
	StartThresholdWatts float64
	// Debounce is how long power must stay at or below the threshold before
	// a session closes.
	Debounce     time.Duration
	MinEnergyKWH float64
	MinDuration  time.Duration
	// PollInterval is the expected sample cadence. Samples more than twice
	// this apart split a session.
	PollInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StartThresholdWatts: 0,
		Debounce:            60 * time.Second,
		MinEnergyKWH:        0.1,
		MinDuration:         60 * time.Second,
		PollInterval:        30 * time.Second,
	}
}

// MaxGap is the longest interval integrated as part of a session.
func (c Config) MaxGap() time.Duration {
	return 2 * c.PollInterval
}

// PriceLookup supplies the latest supply price for cost accumulation.
type PriceLookup interface {
	Latest() (types.PriceSample, bool)
}

// CostEstimator prices delivered energy at an average supply price.
type CostEstimator interface {
	Estimate(energyKWH, avgPriceCents float64) types.CostEstimate
}

// LiveStatus is a read-only view of an in-progress session.
type LiveStatus struct {
	DeviceID       string    `json:"deviceID"`
	VehicleID      string    `json:"vehicleID,omitempty"`
	StartTime      time.Time `json:"startTime"`
	LastSample     time.Time `json:"lastSample"`
	EnergyKWH      float64   `json:"energyKWH"`
	PowerWatts     float64   `json:"powerWatts"`
	PeakPowerWatts float64   `json:"peakPowerWatts"`
	// Dipping is set while power is below the threshold but the debounce
	// has not yet elapsed.
	Dipping bool `json:"dipping"`
}

type accumulator struct {
	start     time.Time
	lowSince  time.Time
	energyKWH float64
	peakW     float64
	vehicleID string

	supplyCents float64
	pricedKWH   float64
}

type device struct {
	mu         sync.RWMutex
	lastSample time.Time
	lastPower  float64
	acc        *accumulator
}

// Tracker detects sessions for any number of devices. Each device has its own
// lock so one device's updates never wait on another's.
type Tracker struct {
	cfg    Config
	prices PriceLookup
	costs  CostEstimator
	newID  func() string

	mu      sync.RWMutex
	devices map[string]*device
}

// NewTracker returns a Tracker. Without prices the supply cost is zero and
// without costs no estimate is attached.
func NewTracker(cfg Config, prices PriceLookup, costs CostEstimator) *Tracker {
	return &Tracker{
		cfg:     cfg,
		prices:  prices,
		costs:   costs,
		newID:   uuid.NewString,
		devices: make(map[string]*device),
	}
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

func (t *Tracker) device(id string) *device {
	t.mu.RLock()
	d, ok := t.devices[id]
	t.mu.RUnlock()
	if ok {
		return d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[id]; ok {
		return d
	}
	d = &device{}
	t.devices[id] = d
	return d
}

// Update feeds one sample into the device's state machine and returns the
// session it completed, if any.
func (t *Tracker) Update(ctx context.Context, s types.PowerSample) (*types.SessionRecord, error) {
	d := t.device(s.DeviceID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastSample.IsZero() && !s.Timestamp.After(d.lastSample) {
		return nil, fmt.Errorf(
			"%w: device %s sample at %s is not after %s",
			ErrOutOfOrder,
			s.DeviceID,
			s.Timestamp.Format(time.RFC3339Nano),
			d.lastSample.Format(time.RFC3339Nano),
		)
	}

	var emitted *types.SessionRecord
	if d.acc != nil {
		gap := s.Timestamp.Sub(d.lastSample)
		if gap > t.cfg.MaxGap() {
			end := d.lastSample
			if !d.acc.lowSince.IsZero() {
				end = d.acc.lowSince
			}
			log.Ctx(ctx).WarnContext(
				ctx,
				"sample gap exceeds cap, splitting session",
				slog.String("deviceID", s.DeviceID),
				slog.Duration("gap", gap),
				slog.Duration("maxGap", t.cfg.MaxGap()),
			)
			emitted = t.close(ctx, s.DeviceID, d.acc, end)
			d.acc = nil
		} else {
			t.integrate(d, gap)
		}
	}

	high := s.PowerWatts > t.cfg.StartThresholdWatts
	switch {
	case d.acc == nil && high:
		d.acc = &accumulator{
			start:     s.Timestamp,
			peakW:     s.PowerWatts,
			vehicleID: s.VehicleID,
		}
		log.Ctx(ctx).DebugContext(
			ctx,
			"session started",
			slog.String("deviceID", s.DeviceID),
			slog.Time("start", s.Timestamp),
			slog.Float64("powerWatts", s.PowerWatts),
		)
	case d.acc != nil && high:
		d.acc.lowSince = time.Time{}
		if s.PowerWatts > d.acc.peakW {
			d.acc.peakW = s.PowerWatts
		}
		if s.VehicleID != "" {
			d.acc.vehicleID = s.VehicleID
		}
	case d.acc != nil:
		if d.acc.lowSince.IsZero() {
			d.acc.lowSince = s.Timestamp
		}
		if s.Timestamp.Sub(d.acc.lowSince) >= t.cfg.Debounce {
			emitted = t.close(ctx, s.DeviceID, d.acc, d.acc.lowSince)
			d.acc = nil
		}
	}

	d.lastSample = s.Timestamp
	d.lastPower = s.PowerWatts
	return emitted, nil
}

// integrate adds the energy drawn since the previous sample, using the
// previous sample's power over the elapsed interval.
func (t *Tracker) integrate(d *device, elapsed time.Duration) {
	kwh := d.lastPower * elapsed.Seconds() / 3_600_000
	d.acc.energyKWH += kwh
	if t.prices == nil || kwh == 0 {
		return
	}
	if p, ok := t.prices.Latest(); ok {
		d.acc.supplyCents += kwh * p.CentsPerKWH
		d.acc.pricedKWH += kwh
	}
}

// close finalizes acc at end and returns a record if it clears the energy and
// duration minimums.
func (t *Tracker) close(ctx context.Context, deviceID string, acc *accumulator, end time.Time) *types.SessionRecord {
	duration := end.Sub(acc.start)
	if duration <= 0 || acc.energyKWH < t.cfg.MinEnergyKWH || duration < t.cfg.MinDuration {
		log.Ctx(ctx).DebugContext(
			ctx,
			"discarding session below thresholds",
			slog.String("deviceID", deviceID),
			slog.Time("start", acc.start),
			slog.Duration("duration", duration),
			slog.Float64("energyKWH", acc.energyKWH),
		)
		return nil
	}

	var avgPrice float64
	if acc.pricedKWH > 0 {
		avgPrice = acc.supplyCents / acc.pricedKWH
	}
	rec := &types.SessionRecord{
		ID:              t.newID(),
		DeviceID:        deviceID,
		VehicleID:       acc.vehicleID,
		StartTime:       acc.start,
		EndTime:         end,
		DurationSeconds: duration.Seconds(),
		EnergyKWH:       acc.energyKWH,
		AvgPowerKW:      acc.energyKWH / duration.Hours(),
		PeakPowerKW:     acc.peakW / 1000,
		Source:          types.SessionSourceLive,
		Status:          types.SessionStatusPending,
	}
	if t.costs != nil {
		rec.Cost = t.costs.Estimate(acc.energyKWH, avgPrice)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"session closed",
		slog.String("deviceID", deviceID),
		slog.String("sessionID", rec.ID),
		slog.Time("start", rec.StartTime),
		slog.Time("end", rec.EndTime),
		slog.Float64("energyKWH", rec.EnergyKWH),
		slog.Float64("peakPowerKW", rec.PeakPowerKW),
		slog.Float64("costCents", rec.Cost.TotalCents),
	)
	return rec
}

// Active returns the in-progress session for a device. A session whose last
// sample is older than the gap cap is not reported since the next sample will
// split it anyway.
func (t *Tracker) Active(deviceID string, now time.Time) (LiveStatus, bool) {
	t.mu.RLock()
	d, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if !ok {
		return LiveStatus{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.acc == nil || now.Sub(d.lastSample) > t.cfg.MaxGap() {
		return LiveStatus{}, false
	}
	return LiveStatus{
		DeviceID:       deviceID,
		VehicleID:      d.acc.vehicleID,
		StartTime:      d.acc.start,
		LastSample:     d.lastSample,
		EnergyKWH:      d.acc.energyKWH,
		PowerWatts:     d.lastPower,
		PeakPowerWatts: d.acc.peakW,
		Dipping:        !d.acc.lowSince.IsZero(),
	}, true
}

// ActiveSessions returns every in-progress session, ordered by device.
func (t *Tracker) ActiveSessions(now time.Time) []LiveStatus {
	t.mu.RLock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	var out []LiveStatus
	for _, id := range ids {
		if st, ok := t.Active(id, now); ok {
			out = append(out, st)
		}
	}
	return out
}
