package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/chargerudder/pkg/charger"
	"github.com/raterudder/chargerudder/pkg/ingest"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/reconcile"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/types"
	"golang.org/x/sync/errgroup"
)

// startTasks adds one goroutine per data source plus the evaluation and
// promotion loops to g.
func (s *Server) startTasks(ctx context.Context, g *errgroup.Group) {
	for _, name := range s.Chargers.Names() {
		c, _ := s.Chargers.Charger(name)
		tctx := log.WithAttrs(ctx, slog.String("task", "power"), slog.String("deviceID", name))
		g.Go(func() error {
			s.every(tctx, "power", s.Tracker.Config().PollInterval, func(ctx context.Context) error {
				return s.pollPower(ctx, c)
			})
			return nil
		})
	}
	if s.Prices != nil {
		tctx := log.WithAttrs(ctx, slog.String("task", "price"), slog.String("source", s.Prices.Name()))
		g.Go(func() error {
			s.every(tctx, "price", s.Prices.PollInterval(), s.pollPrices)
			return nil
		})
	}
	if s.Authoritative != nil && s.Authoritative.Enabled() {
		tctx := log.WithAttrs(ctx, slog.String("task", "authoritative"))
		g.Go(func() error {
			s.every(tctx, "authoritative", s.Fleet.PollInterval, s.pollAuthoritative)
			return nil
		})
	}
	g.Go(func() error {
		tctx := log.WithAttrs(ctx, slog.String("task", "evaluate"))
		s.every(tctx, "evaluate", s.Controller.Config().EvaluateInterval, s.evaluate)
		return nil
	})
	g.Go(func() error {
		tctx := log.WithAttrs(ctx, slog.String("task", "promote"))
		s.every(tctx, "promote", s.promoteEvery, s.promote)
		return nil
	})
}

// every runs fn immediately and then on each tick until ctx is done. Each
// run gets its own timeout and is detached from ctx cancellation so an
// in-flight call finishes or times out instead of being abandoned on
// shutdown. Failures are logged and retried on the next tick.
func (s *Server) every(ctx context.Context, task string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
		err := fn(rctx)
		cancel()
		s.Metrics.Task(task, time.Since(start).Seconds(), err)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "task failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pollPower(ctx context.Context, c charger.Charger) error {
	sample, err := c.Sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample charger: %w", err)
	}
	rec, err := s.ingest.Power(ctx, sample)
	if errors.Is(err, ingest.ErrInvalidSample) || errors.Is(err, session.ErrOutOfOrder) {
		// data-quality errors drop the sample and nothing else
		s.Metrics.Sample("power", metrics.ResultRejected, 1)
		return nil
	} else if err != nil {
		return err
	}
	s.Metrics.Sample("power", metrics.ResultAccepted, 1)
	if rec == nil {
		return nil
	}
	res, err := s.Reconcile.AddLive(ctx, *rec, s.now())
	if err != nil {
		return fmt.Errorf("failed to reconcile live session: %w", err)
	}
	s.Metrics.Reconcile(types.SessionSourceLive, string(res.Outcome))
	return s.persistSessions(ctx, res.Changed)
}

func (s *Server) pollPrices(ctx context.Context) error {
	prices, err := s.Prices.Poll(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll prices: %w", err)
	}
	res := s.ingest.Prices(ctx, prices)
	s.Metrics.Sample("price", metrics.ResultAccepted, res.Accepted)
	s.Metrics.Sample("price", metrics.ResultDuplicate, res.Duplicates)
	s.Metrics.Sample("price", metrics.ResultRejected, res.Rejected)
	log.Ctx(ctx).DebugContext(
		ctx,
		"polled prices",
		slog.Int("accepted", res.Accepted),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("rejected", res.Rejected),
	)
	if res.Accepted == 0 {
		return nil
	}

	now := s.now()
	valid := make([]types.PriceSample, 0, len(prices))
	for _, p := range prices {
		if ingest.ValidatePrice(p, now) == nil {
			valid = append(valid, p)
		}
	}
	if err := s.Storage.UpsertPrices(ctx, valid); err != nil {
		return fmt.Errorf("failed to store prices: %w", err)
	}
	return nil
}

func (s *Server) pollAuthoritative(ctx context.Context) error {
	records, err := s.Authoritative.Poll(ctx, s.Fleet.Lookback)
	if err != nil {
		return fmt.Errorf("failed to poll authoritative sessions: %w", err)
	}
	var (
		changed []types.SessionRecord
		errs    []error
	)
	now := s.now()
	for _, rec := range records {
		res, err := s.Reconcile.AddAuthoritative(ctx, rec, now)
		if errors.Is(err, reconcile.ErrInvalidRecord) {
			log.Ctx(ctx).WarnContext(ctx, "rejected authoritative session", slog.String("id", rec.ID), slog.Any("error", err))
			continue
		} else if err != nil {
			errs = append(errs, err)
			continue
		}
		s.Metrics.Reconcile(types.SessionSourceAuthoritative, string(res.Outcome))
		changed = append(changed, res.Changed...)
	}
	if err := s.persistSessions(ctx, changed); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) promote(ctx context.Context) error {
	return s.persistSessions(ctx, s.Reconcile.Promote(ctx, s.now()))
}

func (s *Server) evaluate(ctx context.Context) error {
	transitions, evalErr := s.Controller.EvaluateAll(ctx, s.now())
	var errs []error
	if evalErr != nil {
		errs = append(errs, evalErr)
	}
	for _, tr := range transitions {
		s.Metrics.Transition(tr)
		if err := s.Storage.InsertTransition(ctx, tr); err != nil {
			errs = append(errs, fmt.Errorf("failed to store transition: %w", err))
		}
		if err := s.Events.PublishTransition(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	s.Metrics.ControlStates(s.Controller.States())
	return errors.Join(errs...)
}

// persistSessions writes changed records to storage and the event stream.
func (s *Server) persistSessions(ctx context.Context, records []types.SessionRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.Storage.UpsertSessions(ctx, records); err != nil {
		return fmt.Errorf("failed to store sessions: %w", err)
	}
	s.Metrics.Sessions(records)
	if err := s.Events.PublishSessions(ctx, records); err != nil {
		return err
	}
	return nil
}

// warmStart refills the price window and the reconciliation store from
// storage so percentiles and idempotence survive a restart.
func (s *Server) warmStart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*s.callTimeout)
	defer cancel()
	now := s.now()

	prices, err := s.Storage.GetPriceHistory(ctx, now.Add(-s.Stats.Config().Lookback), now)
	if err != nil {
		return fmt.Errorf("failed to load price history: %w", err)
	}
	res := s.ingest.Prices(ctx, prices)

	sessions, err := s.Storage.GetSessions(ctx, now.Add(-s.Reconcile.Config().Retention), now)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	s.Reconcile.Load(sessions)

	log.Ctx(ctx).InfoContext(
		ctx,
		"warm start complete",
		slog.Int("prices", res.Accepted),
		slog.Int("sessions", len(sessions)),
	)
	return nil
}
