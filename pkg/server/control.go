package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/types"
)

type priceStatisticsResponse struct {
	types.PriceDistributionSnapshot
	Latest *types.PriceSample `json:"latest,omitempty"`
	// Percentile is the rank of the requested price, or of the latest price
	// when none was given.
	Percentile *float64 `json:"percentile,omitempty"`
}

func (s *Server) handlePriceStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()
	snap, err := s.Stats.Snapshot(ctx, now)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to compute price snapshot", slog.Any("error", err))
		writeJSONError(w, "failed to compute price statistics", http.StatusInternalServerError)
		return
	}
	res := priceStatisticsResponse{PriceDistributionSnapshot: snap}

	latest, haveLatest := s.Stats.Latest()
	if haveLatest {
		res.Latest = &latest
	}
	price, havePrice := latest.CentsPerKWH, haveLatest
	if v := r.URL.Query().Get("price"); v != "" {
		price, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSONError(w, "invalid price", http.StatusBadRequest)
			return
		}
		havePrice = true
	}
	if havePrice {
		if pct, ok := s.Stats.PercentileOf(price, now); ok {
			res.Percentile = &pct
		}
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, res)
}

func (s *Server) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	live := s.Tracker.ActiveSessions(s.now())
	if live == nil {
		live = []session.LiveStatus{}
	}
	writeJSON(w, live)
}

type controlResponse struct {
	StopPercentile   float64              `json:"stopPercentile"`
	ResumePercentile float64              `json:"resumePercentile"`
	MinInterval      string               `json:"minInterval"`
	MaxPriceAge      string               `json:"maxPriceAge"`
	Entities         []types.ControlState `json:"entities"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	cfg := s.Controller.Config()
	states := s.Controller.States()
	if states == nil {
		states = []types.ControlState{}
	}
	writeJSON(w, controlResponse{
		StopPercentile:   cfg.StopPercentile,
		ResumePercentile: cfg.ResumePercentile,
		MinInterval:      cfg.MinInterval.String(),
		MaxPriceAge:      cfg.MaxPriceAge.String(),
		Entities:         states,
	})
}
