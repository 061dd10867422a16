package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

// maxQueryRange bounds the range of a single history request.
const maxQueryRange = 31 * 24 * time.Hour

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := s.parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}
	deviceID := r.URL.Query().Get("deviceID")
	var includeSuperseded bool
	if v := r.URL.Query().Get("includeSuperseded"); v != "" {
		includeSuperseded, err = strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, "invalid includeSuperseded", http.StatusBadRequest)
			return
		}
	}

	records, err := s.Storage.GetSessions(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get sessions", slog.Any("error", err))
		writeJSONError(w, "failed to get sessions", http.StatusInternalServerError)
		return
	}

	filtered := make([]types.SessionRecord, 0, len(records))
	for _, rec := range records {
		if deviceID != "" && rec.DeviceID != deviceID {
			continue
		}
		if !includeSuperseded && rec.Status == types.SessionStatusSuperseded {
			continue
		}
		filtered = append(filtered, rec)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].StartTime.Equal(filtered[j].StartTime) {
			return filtered[i].StartTime.Before(filtered[j].StartTime)
		}
		return filtered[i].DeviceID < filtered[j].DeviceID
	})

	s.setHistoryCache(w, end)
	writeJSON(w, filtered)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	rec, err := s.Storage.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	} else if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get session", slog.String("id", id), slog.Any("error", err))
		writeJSONError(w, "failed to get session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := s.parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	transitions, err := s.Storage.GetTransitions(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get transitions", slog.Any("error", err))
		writeJSONError(w, "failed to get transitions", http.StatusInternalServerError)
		return
	}
	if entityID := r.URL.Query().Get("entityID"); entityID != "" {
		filtered := transitions[:0]
		for _, tr := range transitions {
			if tr.EntityID == entityID {
				filtered = append(filtered, tr)
			}
		}
		transitions = filtered
	}
	if transitions == nil {
		transitions = []types.Transition{}
	}

	s.setHistoryCache(w, end)
	writeJSON(w, transitions)
}

// setHistoryCache caches ranges that ended before today for a day and
// everything else for a minute.
func (s *Server) setHistoryCache(w http.ResponseWriter, end time.Time) {
	today := s.now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}

func (s *Server) parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := s.now()
		start := end.Add(-24 * time.Hour)
		return start, end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxQueryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %s", maxQueryRange)
	}

	return start, end, nil
}
