package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/charger"
	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/events"
	"github.com/raterudder/chargerudder/pkg/fleet"
	"github.com/raterudder/chargerudder/pkg/ingest"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/pricestats"
	"github.com/raterudder/chargerudder/pkg/reconcile"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
	"golang.org/x/sync/errgroup"
)

// tokenVerifier validates a Google ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// AuthoritativeSource supplies delayed, meter-grade session records.
type AuthoritativeSource interface {
	Enabled() bool
	Poll(ctx context.Context, lookback time.Duration) ([]types.SessionRecord, error)
}

// Components are the collaborators the server schedules and queries.
type Components struct {
	Chargers      *charger.Map
	Prices        utility.Provider
	Authoritative AuthoritativeSource
	Fleet         *fleet.Config
	Tracker       *session.Tracker
	Stats         *pricestats.Statistics
	Reconcile     *reconcile.Store
	Controller    *controller.Charging
	Storage       storage.Database
	Events        *events.Publisher
	Metrics       *metrics.Metrics
}

// Server runs the periodic polling and evaluation tasks and serves the
// read-only query API.
type Server struct {
	Components

	ingest *ingest.Ingest

	listenAddr   string
	callTimeout  time.Duration
	promoteEvery time.Duration
	oidcAudience string
	oidcVerifier tokenVerifier
	serverName   string
	httpServer   *http.Server
	now          func() time.Time
}

// Configured initializes the Server with its collaborators and registers the
// server flags.
func Configured(c Components) *Server {
	srv := newServer(c)
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Audience of the Google ID tokens required by /api, the API is open when empty")
	callTimeout := lflag.Duration("external-call-timeout", srv.callTimeout, "Timeout for each poll, actuation and storage call")
	promoteEvery := lflag.Duration("reconcile-promote-interval", srv.promoteEvery, "Interval between grace period promotions")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *callTimeout <= 0 || *promoteEvery <= 0 {
			panic("external-call-timeout and reconcile-promote-interval must be positive")
		}
		srv.callTimeout = *callTimeout
		srv.promoteEvery = *promoteEvery
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func newServer(c Components) *Server {
	return &Server{
		Components:   c,
		ingest:       ingest.New(c.Tracker, c.Stats),
		callTimeout:  20 * time.Second,
		promoteEvery: 5 * time.Minute,
		serverName:   "chargerudder",
		now:          time.Now,
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/sessions", s.handleSessions)
	apiMux.HandleFunc("GET /api/sessions/live", s.handleLiveSessions)
	apiMux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	apiMux.HandleFunc("GET /api/prices/statistics", s.handlePriceStatistics)
	apiMux.HandleFunc("GET /api/control", s.handleControl)
	apiMux.HandleFunc("GET /api/control/transitions", s.handleTransitions)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("GET /metrics", s.Metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run warms the in-memory state from storage, then serves HTTP and runs the
// periodic tasks until the context is canceled or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.warmStart(ctx); err != nil {
		// a cold start only costs history, keep going
		log.Ctx(ctx).ErrorContext(ctx, "failed to warm start from storage", slog.Any("error", err))
	}

	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Ctx(gctx).InfoContext(gctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	s.startTasks(gctx, g)

	return g.Wait()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
