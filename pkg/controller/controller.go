package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrUnknownEntity is returned when evaluating an entity that is not
// configured.
var ErrUnknownEntity = errors.New("unknown controlled entity")

// Config holds the hysteresis thresholds.
type Config struct {
	// StopPercentile pauses charging when the current price percentile is at
	// or above it.
	StopPercentile float64
	// ResumePercentile resumes charging when the percentile is at or below it.
	ResumePercentile float64
	// MinInterval is the minimum time between two price-driven transitions
	// of the same entity.
	MinInterval time.Duration
	// MaxPriceAge is how old the latest price may be before it is treated as
	// missing.
	MaxPriceAge      time.Duration
	EvaluateInterval time.Duration
	Entities         []types.ControlledEntity
}

// DefaultConfig returns the production defaults with no entities.
func DefaultConfig() Config {
	return Config{
		StopPercentile:   90,
		ResumePercentile: 75,
		MinInterval:      10 * time.Minute,
		MaxPriceAge:      30 * time.Minute,
		EvaluateInterval: time.Minute,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.StopPercentile < 0 || c.StopPercentile > 100 {
		return fmt.Errorf("stop percentile must be within 0..100: %f", c.StopPercentile)
	}
	if c.ResumePercentile < 0 || c.ResumePercentile > 100 {
		return fmt.Errorf("resume percentile must be within 0..100: %f", c.ResumePercentile)
	}
	if c.ResumePercentile >= c.StopPercentile {
		return fmt.Errorf("resume percentile %f must be below stop percentile %f", c.ResumePercentile, c.StopPercentile)
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative: %s", c.MinInterval)
	}
	if c.MaxPriceAge <= 0 {
		return fmt.Errorf("max price age must be positive: %s", c.MaxPriceAge)
	}
	if c.EvaluateInterval <= 0 {
		return fmt.Errorf("evaluate interval must be positive: %s", c.EvaluateInterval)
	}
	seen := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.EntityID == "" || e.DeviceID == "" {
			return fmt.Errorf("entity needs both entityID and deviceID: %+v", e)
		}
		if seen[e.EntityID] {
			return fmt.Errorf("duplicate entity: %s", e.EntityID)
		}
		seen[e.EntityID] = true
	}
	return nil
}

// PriceView is the read-only part of the price statistics the controller
// needs.
type PriceView interface {
	Snapshot(ctx context.Context, now time.Time) (types.PriceDistributionSnapshot, error)
	PercentileOf(price float64, now time.Time) (float64, bool)
	Latest() (types.PriceSample, bool)
}

// SessionView reports whether a device is currently charging.
type SessionView interface {
	Active(deviceID string, now time.Time) (session.LiveStatus, bool)
}

// Actuator starts or stops charging of an entity.
type Actuator interface {
	Request(ctx context.Context, entityID string, action types.Action) error
}

type entity struct {
	mu    sync.Mutex
	state types.ControlState
}

// Charging is the price hysteresis state machine. Each entity has its own
// state and cooldown clock.
type Charging struct {
	cfg      Config
	prices   PriceView
	sessions SessionView
	actuator Actuator

	mu       sync.RWMutex
	entities map[string]*entity
}

// NewCharging returns a controller with every configured entity in UNKNOWN.
// actuator may be nil when every entity is a dry run.
func NewCharging(cfg Config, prices PriceView, sessions SessionView, actuator Actuator) *Charging {
	c := &Charging{
		prices:   prices,
		sessions: sessions,
		actuator: actuator,
	}
	c.setConfig(cfg)
	return c
}

func (c *Charging) setConfig(cfg Config) {
	entities := make(map[string]*entity, len(cfg.Entities))
	for _, e := range cfg.Entities {
		entities[e.EntityID] = &entity{state: types.ControlState{
			EntityID: e.EntityID,
			DeviceID: e.DeviceID,
			DryRun:   e.DryRun,
			Status:   types.ControlStatusUnknown,
		}}
	}
	c.mu.Lock()
	c.cfg = cfg
	c.entities = entities
	c.mu.Unlock()
}

// Config returns the controller configuration.
func (c *Charging) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// States returns a copy of every entity state ordered by entity ID.
func (c *Charging) States() []types.ControlState {
	c.mu.RLock()
	ents := make([]*entity, 0, len(c.entities))
	for _, e := range c.entities {
		ents = append(ents, e)
	}
	c.mu.RUnlock()

	out := make([]types.ControlState, 0, len(ents))
	for _, e := range ents {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// State returns the state of one entity.
func (c *Charging) State(entityID string) (types.ControlState, error) {
	c.mu.RLock()
	e, ok := c.entities[entityID]
	c.mu.RUnlock()
	if !ok {
		return types.ControlState{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// EvaluateAll evaluates every entity and returns the transitions that
// happened. An error for one entity does not stop the others.
func (c *Charging) EvaluateAll(ctx context.Context, now time.Time) ([]types.Transition, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	var out []types.Transition
	var errs []error
	for _, id := range ids {
		tr, err := c.Evaluate(ctx, id, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("evaluate %s: %w", id, err))
			continue
		}
		if tr != nil {
			out = append(out, *tr)
		}
	}
	return out, errors.Join(errs...)
}

type decision struct {
	to        types.ControlStatus
	reason    string
	threshold float64
	action    types.Action
	// price is set for RUNNING and PAUSED_BY_PRICE changes and starts the
	// cooldown.
	price bool
}

// Evaluate runs one evaluation for an entity and returns the transition it
// caused, or nil when the state did not change. A failed actuation is still a
// transition; the action is retried on the next evaluation.
func (c *Charging) Evaluate(ctx context.Context, entityID string, now time.Time) (*types.Transition, error) {
	c.mu.RLock()
	e, ok := c.entities[entityID]
	cfg := c.cfg
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}

	snap, err := c.prices.Snapshot(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("error getting price snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := &e.state

	_, active := c.sessions.Active(st.DeviceID, now)
	latest, havePrice := c.prices.Latest()
	stale := havePrice && now.Sub(latest.Timestamp) > cfg.MaxPriceAge
	var pct *float64
	if havePrice && !stale {
		if p, ok := c.prices.PercentileOf(latest.CentsPerKWH, now); ok {
			pct = &p
		}
	}

	d := c.decide(cfg, st, now, active, snap, pct, stale)

	if d.to == st.Status {
		c.retryPending(ctx, st)
		return nil, nil
	}

	tr := types.Transition{
		EntityID:            st.EntityID,
		Timestamp:           now,
		From:                st.Status,
		To:                  d.to,
		PriceCents:          latest.CentsPerKWH,
		Percentile:          pct,
		ThresholdPercentile: d.threshold,
		Reason:              d.reason,
		Action:              d.action,
		DryRun:              st.DryRun,
	}

	st.Status = d.to
	st.LastTransitionTime = now
	st.LastTransitionPrice = latest.CentsPerKWH
	st.LastTransitionPercentile = pct
	if d.price {
		st.LastPriceTransitionTime = now
	}

	attrs := []any{
		slog.String("entityID", tr.EntityID),
		slog.String("deviceID", st.DeviceID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("reason", tr.Reason),
		slog.Float64("priceCents", tr.PriceCents),
		slog.Float64("thresholdPercentile", tr.ThresholdPercentile),
		slog.String("action", string(tr.Action)),
		slog.Bool("dryRun", tr.DryRun),
		slog.Bool("lowConfidence", snap.LowConfidence),
	}
	if pct != nil {
		attrs = append(attrs, slog.Float64("percentile", *pct))
	}
	log.Ctx(ctx).InfoContext(ctx, "control transition", attrs...)

	if d.action != types.ActionNone {
		st.PendingAction = d.action
		if err := c.actuate(ctx, st); err != nil {
			tr.ActuationError = err.Error()
		}
	} else {
		c.retryPending(ctx, st)
	}
	return &tr, nil
}

func (c *Charging) decide(cfg Config, st *types.ControlState, now time.Time, active bool, snap types.PriceDistributionSnapshot, pct *float64, stale bool) decision {
	cur := st.Status

	// a pause stops the power draw, so only the resume rule leaves it
	if !active && cur != types.ControlStatusPausedByPrice {
		return decision{to: types.ControlStatusIdle, reason: "no active session"}
	}
	if snap.Insufficient || pct == nil {
		d := decision{to: types.ControlStatusUnknown, reason: "insufficient price history"}
		if stale && !snap.Insufficient {
			d.reason = "latest price is stale"
		}
		if cur == types.ControlStatusPausedByPrice {
			// without a price signal the vehicle must not stay paused
			d.action = types.ActionStart
		}
		return d
	}

	cooled := st.LastPriceTransitionTime.IsZero() || now.Sub(st.LastPriceTransitionTime) >= cfg.MinInterval
	switch cur {
	case types.ControlStatusPausedByPrice:
		if *pct <= cfg.ResumePercentile && cooled {
			return decision{
				to:        types.ControlStatusRunning,
				reason:    "price percentile at or below resume threshold",
				threshold: cfg.ResumePercentile,
				action:    types.ActionStart,
				price:     true,
			}
		}
	case types.ControlStatusRunning, types.ControlStatusIdle, types.ControlStatusUnknown:
		if *pct >= cfg.StopPercentile && cooled {
			return decision{
				to:        types.ControlStatusPausedByPrice,
				reason:    "price percentile at or above stop threshold",
				threshold: cfg.StopPercentile,
				action:    types.ActionStop,
				price:     true,
			}
		}
		if cur != types.ControlStatusRunning {
			return decision{to: types.ControlStatusRunning, reason: "active session"}
		}
	}
	return decision{to: cur}
}

func (c *Charging) retryPending(ctx context.Context, st *types.ControlState) {
	if st.PendingAction == types.ActionNone {
		return
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"retrying failed actuation",
		slog.String("entityID", st.EntityID),
		slog.String("action", string(st.PendingAction)),
		slog.String("lastError", st.LastActuationError),
	)
	_ = c.actuate(ctx, st)
}

// actuate sends the pending action unless the entity is a dry run. The
// pending action is cleared on success and kept for the next evaluation on
// failure.
func (c *Charging) actuate(ctx context.Context, st *types.ControlState) error {
	action := st.PendingAction
	if st.DryRun {
		log.Ctx(ctx).InfoContext(
			ctx,
			"dry run, skipping actuation",
			slog.String("entityID", st.EntityID),
			slog.String("action", string(action)),
		)
		st.PendingAction = types.ActionNone
		return nil
	}
	if c.actuator == nil {
		err := errors.New("no actuator configured")
		st.LastActuationError = err.Error()
		return err
	}
	if err := c.actuator.Request(ctx, st.EntityID, action); err != nil {
		st.LastActuationError = err.Error()
		log.Ctx(ctx).ErrorContext(
			ctx,
			"failed to actuate entity",
			slog.String("entityID", st.EntityID),
			slog.String("action", string(action)),
			slog.Any("error", err),
		)
		return err
	}
	st.PendingAction = types.ActionNone
	st.LastActuationError = ""
	return nil
}
