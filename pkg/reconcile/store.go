// Package reconcile merges live session estimates with delayed authoritative
// session records so each physical session has one canonical record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrInvalidRecord wraps every record rejected before matching.
var ErrInvalidRecord = errors.New("invalid session record")

// Config controls matching and retention.
type Config struct {
	// MatchTolerance is the largest start time difference at which a live
	// and an authoritative record describe the same session.
	MatchTolerance time.Duration
	// GracePeriod is how long a live record waits for its authoritative
	// counterpart before it becomes canonical on its own.
	GracePeriod time.Duration
	// DiscrepancyRatio flags merges whose energies differ by more than this
	// fraction of the live estimate.
	DiscrepancyRatio float64
	// Retention is how long records stay in memory after they end.
	Retention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MatchTolerance:   5 * time.Minute,
		GracePeriod:      24 * time.Hour,
		DiscrepancyRatio: 0.2,
		Retention:        14 * 24 * time.Hour,
	}
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.MatchTolerance < 0 {
		return fmt.Errorf("match tolerance must not be negative: %s", c.MatchTolerance)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive: %s", c.GracePeriod)
	}
	if c.DiscrepancyRatio <= 0 {
		return fmt.Errorf("discrepancy ratio must be positive: %f", c.DiscrepancyRatio)
	}
	if c.Retention <= c.GracePeriod {
		return fmt.Errorf("retention %s must exceed grace period %s", c.Retention, c.GracePeriod)
	}
	return nil
}

// PriceHistory prices sessions the live path never saw.
type PriceHistory interface {
	AverageBetween(start, end time.Time) (float64, bool)
}

// CostEstimator prices delivered energy at an average supply price.
type CostEstimator interface {
	Estimate(energyKWH, avgPriceCents float64) types.CostEstimate
}

// Outcome describes what happened to an added record.
type Outcome string

const (
	// OutcomePending means a live record is waiting for its counterpart.
	OutcomePending Outcome = "pending"
	// OutcomeMerged means a live and an authoritative record were joined.
	OutcomeMerged Outcome = "merged"
	// OutcomeInserted means an authoritative record became canonical alone.
	OutcomeInserted Outcome = "inserted"
	// OutcomeDuplicate means the record was already known and nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports an add.
type Result struct {
	Outcome Outcome
	// Changed holds copies of every record created or modified by the add,
	// in the order they should be persisted.
	Changed []types.SessionRecord
	// Conflict is set when more than one candidate matched.
	Conflict bool
}

type deviceLog struct {
	mu      sync.Mutex
	records []*types.SessionRecord
	// authKeys maps an authoritative start (unix seconds) to the canonical
	// record that consumed it.
	authKeys map[int64]string
}

// Store holds recent session records per device.
type Store struct {
	cfg    Config
	prices PriceHistory
	costs  CostEstimator
	newID  func() string

	mu      sync.Mutex
	devices map[string]*deviceLog
}

// New returns an empty Store. prices and costs may be nil.
func New(cfg Config, prices PriceHistory, costs CostEstimator) *Store {
	return &Store{
		cfg:     cfg,
		prices:  prices,
		costs:   costs,
		newID:   uuid.NewString,
		devices: make(map[string]*deviceLog),
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) device(id string) *deviceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		d = &deviceLog{authKeys: make(map[int64]string)}
		s.devices[id] = d
	}
	return d
}

func authKey(t time.Time) int64 {
	return t.Unix()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// closest returns the record in candidates whose start is nearest to start.
// Equal distances go to the earlier start and then to the earlier arrival.
func closest(candidates []*types.SessionRecord, start time.Time) *types.SessionRecord {
	sort.SliceStable(candidates, func(i, j int) bool {
		di := absDuration(candidates[i].StartTime.Sub(start))
		dj := absDuration(candidates[j].StartTime.Sub(start))
		if di != dj {
			return di < dj
		}
		if !candidates[i].StartTime.Equal(candidates[j].StartTime) {
			return candidates[i].StartTime.Before(candidates[j].StartTime)
		}
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})
	return candidates[0]
}

func (d *deviceLog) insert(rec *types.SessionRecord) {
	i := sort.Search(len(d.records), func(i int) bool {
		return d.records[i].StartTime.After(rec.StartTime)
	})
	d.records = append(d.records, nil)
	copy(d.records[i+1:], d.records[i:])
	d.records[i] = rec
}

func (d *deviceLog) byID(id string) *types.SessionRecord {
	for _, r := range d.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// AddLive records a session emitted by the tracker. If an authoritative
// record for the same session already became canonical on its own, the live
// record is superseded straight away. That includes a fragment lying inside
// the authoritative interval.
func (s *Store) AddLive(ctx context.Context, rec types.SessionRecord, now time.Time) (Result, error) {
	if err := rec.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if rec.Source != types.SessionSourceLive {
		return Result{}, fmt.Errorf("%w: expected live source, got %s", ErrInvalidRecord, rec.Source)
	}
	if rec.ID == "" {
		rec.ID = s.newID()
	}

	d := s.device(rec.DeviceID)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.byID(rec.ID) != nil {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	var candidates, covering []*types.SessionRecord
	for _, r := range d.records {
		if r.Source != types.SessionSourceAuthoritative || r.Supersedes != "" || !r.Canonical() {
			continue
		}
		if absDuration(r.StartTime.Sub(rec.StartTime)) <= s.cfg.MatchTolerance {
			candidates = append(candidates, r)
		} else if !rec.StartTime.Before(r.StartTime) && !rec.EndTime.After(r.EndTime.Add(s.cfg.MatchTolerance)) {
			// a fragment of a session split by a sampling gap
			covering = append(covering, r)
		}
	}
	if len(candidates) == 0 {
		candidates = covering
	}

	live := rec
	live.ReceivedAt = now
	if len(candidates) == 0 {
		live.Status = types.SessionStatusPending
		d.insert(&live)
		return Result{Outcome: OutcomePending, Changed: []types.SessionRecord{live}}, nil
	}

	auth := closest(candidates, rec.StartTime)
	conflict := len(candidates) > 1
	if conflict {
		s.logConflict(ctx, rec.DeviceID, live.ID, candidates)
	}
	// The canonical record is immutable, only the live side is linked.
	live.Status = types.SessionStatusSuperseded
	live.SupersededBy = auth.ID
	d.insert(&live)

	s.logMerge(ctx, &live, auth, 0)
	return Result{
		Outcome:  OutcomeMerged,
		Changed:  []types.SessionRecord{live},
		Conflict: conflict,
	}, nil
}

// AddAuthoritative records a session from the authoritative source. A
// redelivered record (same device and start) is a no-op.
func (s *Store) AddAuthoritative(ctx context.Context, rec types.SessionRecord, now time.Time) (Result, error) {
	if err := rec.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if rec.Source != types.SessionSourceAuthoritative {
		return Result{}, fmt.Errorf("%w: expected authoritative source, got %s", ErrInvalidRecord, rec.Source)
	}

	d := s.device(rec.DeviceID)
	d.mu.Lock()
	defer d.mu.Unlock()

	key := authKey(rec.StartTime)
	if id, ok := d.authKeys[key]; ok {
		log.Ctx(ctx).DebugContext(
			ctx,
			"authoritative session already reconciled",
			slog.String("deviceID", rec.DeviceID),
			slog.Time("start", rec.StartTime),
			slog.String("canonicalID", id),
		)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	var candidates []*types.SessionRecord
	for _, r := range d.records {
		if r.Source == types.SessionSourceLive && r.Status != types.SessionStatusSuperseded &&
			absDuration(r.StartTime.Sub(rec.StartTime)) <= s.cfg.MatchTolerance {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		auth := rec
		if auth.ID == "" {
			auth.ID = s.newID()
		}
		auth.Status = types.SessionStatusCanonical
		auth.AuthoritativeStart = rec.StartTime
		auth.ReceivedAt = now
		auth.CanonicalAt = now
		auth.Cost = s.estimate(auth.EnergyKWH, auth.StartTime, auth.EndTime, 0)
		d.insert(&auth)
		d.authKeys[key] = auth.ID

		log.Ctx(ctx).InfoContext(
			ctx,
			"inserted authoritative session without live match",
			slog.String("deviceID", auth.DeviceID),
			slog.String("sessionID", auth.ID),
			slog.Time("start", auth.StartTime),
			slog.Float64("energyKWH", auth.EnergyKWH),
		)
		return Result{Outcome: OutcomeInserted, Changed: []types.SessionRecord{auth}}, nil
	}

	live := closest(candidates, rec.StartTime)
	conflict := len(candidates) > 1
	if conflict {
		s.logConflict(ctx, rec.DeviceID, rec.ID, candidates)
	}
	fragments := d.fragments(live, &rec, s.cfg.MatchTolerance)

	merged := s.merge(live, fragments, &rec, now)
	changed := make([]types.SessionRecord, 0, len(fragments)+2)
	live.Status = types.SessionStatusSuperseded
	live.SupersededBy = merged.ID
	changed = append(changed, *live)
	d.insert(merged)
	d.authKeys[key] = merged.ID
	changed = append(changed, *merged)
	for _, f := range fragments {
		f.Status = types.SessionStatusSuperseded
		f.SupersededBy = merged.ID
		changed = append(changed, *f)
	}

	s.logMerge(ctx, live, merged, len(fragments))
	return Result{
		Outcome:  OutcomeMerged,
		Changed:  changed,
		Conflict: conflict,
	}, nil
}

// fragments returns the live records that continue first after a sampling
// gap split it: they start at or after first ends and lie within the
// authoritative interval, widened by tolerance.
func (d *deviceLog) fragments(first, auth *types.SessionRecord, tolerance time.Duration) []*types.SessionRecord {
	var out []*types.SessionRecord
	for _, r := range d.records {
		if r == first || r.Source != types.SessionSourceLive || r.Status == types.SessionStatusSuperseded {
			continue
		}
		if r.StartTime.Before(first.EndTime) || r.EndTime.After(auth.EndTime.Add(tolerance)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// merge joins live records with an authoritative record: energy comes from
// the authoritative record and timing from the live ones. first is the record
// whose start matched and fragments are its continuations.
func (s *Store) merge(first *types.SessionRecord, fragments []*types.SessionRecord, auth *types.SessionRecord, now time.Time) *types.SessionRecord {
	vehicleID := auth.VehicleID
	if vehicleID == "" {
		vehicleID = first.VehicleID
	}
	end := first.EndTime
	duration := first.DurationSeconds
	liveKWH := first.EnergyKWH
	peak := first.PeakPowerKW
	supply := first.Cost.AvgPriceCents * first.EnergyKWH
	for _, f := range fragments {
		if f.EndTime.After(end) {
			end = f.EndTime
		}
		liveKWH += f.EnergyKWH
		peak = max(peak, f.PeakPowerKW)
		supply += f.Cost.AvgPriceCents * f.EnergyKWH
	}
	if len(fragments) > 0 {
		duration = end.Sub(first.StartTime).Seconds()
	}
	var avgPrice float64
	if liveKWH > 0 {
		avgPrice = supply / liveKWH
	}

	merged := &types.SessionRecord{
		ID:                 auth.ID,
		DeviceID:           first.DeviceID,
		VehicleID:          vehicleID,
		StartTime:          first.StartTime,
		EndTime:            end,
		DurationSeconds:    duration,
		EnergyKWH:          auth.EnergyKWH,
		PeakPowerKW:        peak,
		Source:             types.SessionSourceAuthoritative,
		Status:             types.SessionStatusCanonical,
		Supersedes:         first.ID,
		AuthoritativeStart: auth.StartTime,
		LiveEnergyKWH:      liveKWH,
		EnergyDiscrepancy:  s.discrepant(liveKWH, auth.EnergyKWH),
		Efficiency:         types.NewChargingEfficiency(liveKWH, auth.EnergyKWH),
		ReceivedAt:         now,
		CanonicalAt:        now,
	}
	if merged.ID == "" {
		merged.ID = s.newID()
	}
	if h := merged.Duration().Hours(); h > 0 {
		merged.AvgPowerKW = auth.EnergyKWH / h
	}
	merged.Cost = s.estimate(auth.EnergyKWH, merged.StartTime, merged.EndTime, avgPrice)
	return merged
}

func (s *Store) discrepant(liveKWH, authKWH float64) bool {
	if liveKWH <= 0 {
		return authKWH > 0
	}
	return math.Abs(authKWH-liveKWH)/liveKWH > s.cfg.DiscrepancyRatio
}

// estimate prices energy using avgHint when the live path already observed
// prices, otherwise the windowed average over the session.
func (s *Store) estimate(energyKWH float64, start, end time.Time, avgHint float64) types.CostEstimate {
	if s.costs == nil {
		return types.CostEstimate{}
	}
	avg := avgHint
	if avg == 0 && s.prices != nil {
		if a, ok := s.prices.AverageBetween(start, end); ok {
			avg = a
		}
	}
	return s.costs.Estimate(energyKWH, avg)
}

func (s *Store) logMerge(ctx context.Context, live, canonical *types.SessionRecord, fragments int) {
	attrs := []any{
		slog.String("deviceID", live.DeviceID),
		slog.String("liveID", live.ID),
		slog.String("canonicalID", canonical.ID),
		slog.Time("liveStart", live.StartTime),
		slog.Time("authoritativeStart", canonical.AuthoritativeStart),
		slog.Float64("liveEnergyKWH", live.EnergyKWH),
		slog.Float64("authoritativeEnergyKWH", canonical.EnergyKWH),
	}
	if fragments > 0 {
		attrs = append(attrs, slog.Int("fragments", fragments))
	}
	if canonical.Efficiency != nil {
		attrs = append(attrs, slog.Float64("efficiencyPct", canonical.Efficiency.Percent))
	}
	if canonical.EnergyDiscrepancy {
		log.Ctx(ctx).WarnContext(ctx, "merged session with energy discrepancy", attrs...)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "merged session", attrs...)
}

func (s *Store) logConflict(ctx context.Context, deviceID, incomingID string, candidates []*types.SessionRecord) {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"multiple sessions within match tolerance",
		slog.String("deviceID", deviceID),
		slog.String("incomingID", incomingID),
		slog.Any("candidateIDs", ids),
	)
}

// Promote makes live records that waited longer than the grace period
// canonical and forgets records past retention. It returns the promoted
// records.
func (s *Store) Promote(ctx context.Context, now time.Time) []types.SessionRecord {
	s.mu.Lock()
	logs := make([]*deviceLog, 0, len(s.devices))
	for _, d := range s.devices {
		logs = append(logs, d)
	}
	s.mu.Unlock()

	var promoted []types.SessionRecord
	cutoff := now.Add(-s.cfg.Retention)
	for _, d := range logs {
		d.mu.Lock()
		kept := d.records[:0]
		for _, r := range d.records {
			if r.Status == types.SessionStatusPending && now.Sub(r.ReceivedAt) >= s.cfg.GracePeriod {
				r.Status = types.SessionStatusCanonical
				r.CanonicalAt = now
				promoted = append(promoted, *r)
				log.Ctx(ctx).InfoContext(
					ctx,
					"live session canonical after grace period",
					slog.String("deviceID", r.DeviceID),
					slog.String("sessionID", r.ID),
					slog.Time("start", r.StartTime),
				)
			}
			if r.EndTime.Before(cutoff) && r.Status != types.SessionStatusPending {
				continue
			}
			kept = append(kept, r)
		}
		clear(d.records[len(kept):])
		d.records = kept
		for k := range d.authKeys {
			if time.Unix(k, 0).Before(cutoff) {
				delete(d.authKeys, k)
			}
		}
		d.mu.Unlock()
	}
	return promoted
}

// Load seeds the store with previously persisted records so redelivered
// authoritative records stay no-ops across restarts.
func (s *Store) Load(records []types.SessionRecord) {
	for _, rec := range records {
		r := rec
		d := s.device(r.DeviceID)
		d.mu.Lock()
		if d.byID(r.ID) == nil {
			d.insert(&r)
			if !r.AuthoritativeStart.IsZero() {
				d.authKeys[authKey(r.AuthoritativeStart)] = r.ID
			}
		}
		d.mu.Unlock()
	}
}

// Query selects records from the store.
type Query struct {
	Start, End time.Time
	// DeviceID limits results to one device when set.
	DeviceID          string
	IncludeSuperseded bool
}

// Sessions returns copies of records that started within [Start, End),
// ordered by start time.
func (s *Store) Sessions(q Query) []types.SessionRecord {
	s.mu.Lock()
	logs := make([]*deviceLog, 0, len(s.devices))
	for id, d := range s.devices {
		if q.DeviceID == "" || q.DeviceID == id {
			logs = append(logs, d)
		}
	}
	s.mu.Unlock()

	var out []types.SessionRecord
	for _, d := range logs {
		d.mu.Lock()
		for _, r := range d.records {
			if r.StartTime.Before(q.Start) || !r.StartTime.Before(q.End) {
				continue
			}
			if r.Status == types.SessionStatusSuperseded && !q.IncludeSuperseded {
				continue
			}
			out = append(out, *r)
		}
		d.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
