package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/chargerudder/pkg/charger"
	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/events"
	"github.com/raterudder/chargerudder/pkg/fleet"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/pricestats"
	"github.com/raterudder/chargerudder/pkg/reconcile"
	"github.com/raterudder/chargerudder/pkg/server"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"

	"github.com/levenlabs/go-lflag"
)

// actuator sends commands through the fleet API once it has a token and
// falls back to the in-memory mock otherwise.
type actuator struct {
	client *fleet.Client
	mock   *fleet.Mock
}

func (a actuator) Request(ctx context.Context, entityID string, action types.Action) error {
	if a.client.Enabled() {
		return a.client.Request(ctx, entityID, action)
	}
	return a.mock.Request(ctx, entityID, action)
}

func main() {
	// init packages
	chargers := charger.Configured()
	fleetClient, fleetCfg := fleet.Configured(chargers)
	prices, fees := utility.Configured()
	stats := pricestats.Configured()
	tracker := session.Configured(stats, fees)
	store := reconcile.Configured(stats, fees)
	ctrl := controller.Configured(stats, tracker, actuator{client: fleetClient, mock: fleet.NewMock()})
	s := storage.Configured()
	ev := events.Configured()
	m := metrics.Configured()

	// init server
	srv := server.Configured(server.Components{
		Chargers:      chargers,
		Prices:        prices,
		Authoritative: fleetClient,
		Fleet:         fleetCfg,
		Tracker:       tracker,
		Stats:         stats,
		Reconcile:     store,
		Controller:    ctrl,
		Storage:       s,
		Events:        ev,
		Metrics:       m,
	})

	// parse flags
	lflag.Configure()

	level := log.ConfigureFromLLog()
	slog.Debug("logger configured", slog.String("level", level.String()))

	m.WatchPriceWindow(stats.Len, stats.Recomputes)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !fleetClient.Enabled() {
		log.Ctx(ctx).WarnContext(ctx, "fleet access token not set, charging commands go to the in-memory mock and authoritative polling is off")
	}

	defer func() {
		if err := ev.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close event publisher", "error", err)
		}
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
