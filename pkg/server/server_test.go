package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/chargerudder/pkg/charger"
	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/events"
	"github.com/raterudder/chargerudder/pkg/fleet"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/pricestats"
	"github.com/raterudder/chargerudder/pkg/reconcile"
	"github.com/raterudder/chargerudder/pkg/session"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/storage/storagemock"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 10, 1, 0, 0, 0, time.UTC)

// scriptedCharger returns one sample per call, one minute apart.
type scriptedCharger struct {
	deviceID string
	watts    []float64
	calls    int
}

func (c *scriptedCharger) Sample(ctx context.Context) (types.PowerSample, error) {
	if c.calls >= len(c.watts) {
		return types.PowerSample{}, errors.New("no more samples")
	}
	s := types.PowerSample{
		DeviceID:   c.deviceID,
		Timestamp:  t0.Add(time.Duration(c.calls) * time.Minute),
		PowerWatts: c.watts[c.calls],
	}
	c.calls++
	return s, nil
}

type fakeAuthoritative struct {
	records []types.SessionRecord
}

func (f *fakeAuthoritative) Enabled() bool { return true }

func (f *fakeAuthoritative) Poll(ctx context.Context, lookback time.Duration) ([]types.SessionRecord, error) {
	return f.records, nil
}

type testServer struct {
	*Server
	db       *storagemock.MockDatabase
	actuator *fleet.Mock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fees := &utility.Fees{DeliveryCentsPerKWH: 7.5}
	stats := pricestats.New(pricestats.DefaultConfig())

	scfg := session.DefaultConfig()
	scfg.PollInterval = time.Minute
	tracker := session.NewTracker(scfg, stats, fees)

	ccfg := controller.DefaultConfig()
	ccfg.Entities = []types.ControlledEntity{{EntityID: "car", DeviceID: "garage"}}
	actuator := fleet.NewMock()

	db := &storagemock.MockDatabase{}
	srv := newServer(Components{
		Chargers:   charger.NewMap(),
		Fleet:      &fleet.Config{PollInterval: 15 * time.Minute, Lookback: 7 * 24 * time.Hour},
		Tracker:    tracker,
		Stats:      stats,
		Reconcile:  reconcile.New(reconcile.DefaultConfig(), stats, fees),
		Controller: controller.NewCharging(ccfg, stats, tracker, actuator),
		Storage:    db,
		Events:     &events.Publisher{},
		Metrics:    metrics.New(prometheus.NewRegistry()),
	})
	srv.now = func() time.Time { return t0.Add(time.Hour) }
	return &testServer{Server: srv, db: db, actuator: actuator}
}

// fillPrices ingests n ascending prices ending at end.
func fillPrices(t *testing.T, s *Server, end time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Stats.Ingest(types.PriceSample{
			Timestamp:   end.Add(-time.Duration(n-1-i) * 5 * time.Minute),
			CentsPerKWH: float64(i + 1),
		})
		require.NoError(t, err)
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("LiveThenAuthoritative", func(t *testing.T) {
		ts := newTestServer(t)
		c := &scriptedCharger{deviceID: "garage", watts: []float64{0, 0, 7200, 7200, 7200, 0, 0}}

		var live types.SessionRecord
		ts.db.On("UpsertSessions", mock.Anything, mock.MatchedBy(func(recs []types.SessionRecord) bool {
			return len(recs) == 1 && recs[0].Status == types.SessionStatusPending
		})).Run(func(args mock.Arguments) {
			live = args.Get(1).([]types.SessionRecord)[0]
		}).Return(nil).Once()

		for range c.watts {
			require.NoError(t, ts.pollPower(ctx, c))
		}
		require.Equal(t, "garage", live.DeviceID)
		assert.InDelta(t, 0.36, live.EnergyKWH, 1e-9)

		ts.Authoritative = &fakeAuthoritative{records: []types.SessionRecord{{
			ID:        "fleet-1",
			DeviceID:  "garage",
			StartTime: t0.Add(2*time.Minute + 90*time.Second),
			EndTime:   t0.Add(5*time.Minute + 90*time.Second),
			EnergyKWH: 0.4,
			Source:    types.SessionSourceAuthoritative,
		}}}
		ts.db.On("UpsertSessions", mock.Anything, mock.MatchedBy(func(recs []types.SessionRecord) bool {
			return len(recs) == 2 &&
				recs[0].ID == live.ID && recs[0].Status == types.SessionStatusSuperseded &&
				recs[1].Status == types.SessionStatusCanonical && recs[1].StartTime.Equal(live.StartTime)
		})).Return(nil).Once()
		require.NoError(t, ts.pollAuthoritative(ctx))

		// redelivery changes nothing and writes nothing
		require.NoError(t, ts.pollAuthoritative(ctx))
		ts.db.AssertExpectations(t)
	})

	t.Run("RejectedSampleIsNotAnError", func(t *testing.T) {
		ts := newTestServer(t)
		c := &scriptedCharger{deviceID: "", watts: []float64{100}}
		assert.NoError(t, ts.pollPower(ctx, c))
		ts.db.AssertNotCalled(t, "UpsertSessions", mock.Anything, mock.Anything)
	})

	t.Run("StorageFailureSurfaces", func(t *testing.T) {
		ts := newTestServer(t)
		ts.db.On("UpsertSessions", mock.Anything, mock.Anything).Return(errors.New("unavailable"))
		err := ts.persistSessions(ctx, []types.SessionRecord{{ID: "a", Source: types.SessionSourceLive}})
		assert.ErrorContains(t, err, "unavailable")
	})

	t.Run("EvaluatePausesAndRecords", func(t *testing.T) {
		ts := newTestServer(t)
		now := t0.Add(3 * time.Minute)
		ts.now = func() time.Time { return now }
		fillPrices(t, ts.Server, now, 200)

		c := &scriptedCharger{deviceID: "garage", watts: []float64{7200, 7200, 7200, 7200}}
		for range c.watts {
			require.NoError(t, ts.pollPower(ctx, c))
		}

		ts.db.On("InsertTransition", mock.Anything, mock.MatchedBy(func(tr types.Transition) bool {
			return tr.EntityID == "car" && tr.To == types.ControlStatusPausedByPrice && tr.Action == types.ActionStop
		})).Return(nil).Once()
		require.NoError(t, ts.evaluate(ctx))
		assert.Equal(t, []fleet.MockRequest{{EntityID: "car", Action: types.ActionStop}}, ts.actuator.Requests())

		// no change, nothing recorded
		require.NoError(t, ts.evaluate(ctx))
		ts.db.AssertExpectations(t)
	})

	t.Run("WarmStart", func(t *testing.T) {
		ts := newTestServer(t)
		prices := []types.PriceSample{
			{Timestamp: t0, CentsPerKWH: 3},
			{Timestamp: t0.Add(5 * time.Minute), CentsPerKWH: 4},
		}
		canonical := types.SessionRecord{
			ID:        "fleet-1",
			DeviceID:  "garage",
			StartTime: t0,
			EndTime:   t0.Add(time.Hour),
			EnergyKWH: 7,
			Source:    types.SessionSourceAuthoritative,
			Status:    types.SessionStatusCanonical,

			AuthoritativeStart: t0,
		}
		ts.db.On("GetPriceHistory", mock.Anything, mock.Anything, mock.Anything).Return(prices, nil)
		ts.db.On("GetSessions", mock.Anything, mock.Anything, mock.Anything).Return([]types.SessionRecord{canonical}, nil)
		require.NoError(t, ts.warmStart(ctx))
		assert.Equal(t, 2, ts.Stats.Len())

		res, err := ts.Reconcile.AddAuthoritative(ctx, types.SessionRecord{
			ID:        "fleet-1",
			DeviceID:  "garage",
			StartTime: t0,
			EndTime:   t0.Add(time.Hour),
			EnergyKWH: 7,
			Source:    types.SessionSourceAuthoritative,
		}, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)
	})
}

func TestHandlers(t *testing.T) {
	ts := newTestServer(t)
	h := ts.setupHandler()

	live := types.SessionRecord{ID: "live-1", DeviceID: "garage", StartTime: t0, Source: types.SessionSourceLive, Status: types.SessionStatusSuperseded}
	merged := types.SessionRecord{ID: "fleet-1", DeviceID: "garage", StartTime: t0, Source: types.SessionSourceAuthoritative, Status: types.SessionStatusCanonical}
	other := types.SessionRecord{ID: "live-2", DeviceID: "driveway", StartTime: t0.Add(time.Minute), Source: types.SessionSourceLive, Status: types.SessionStatusPending}
	start, end := t0.Add(-time.Hour), t0.Add(time.Hour)
	ts.db.On("GetSessions", mock.Anything, mock.Anything, mock.Anything).Return([]types.SessionRecord{other, live, merged}, nil)
	ts.db.On("GetSession", mock.Anything, "fleet-1").Return(merged, nil)
	ts.db.On("GetSession", mock.Anything, "missing").Return(types.SessionRecord{}, storage.ErrNotFound)
	ts.db.On("GetTransitions", mock.Anything, mock.Anything, mock.Anything).Return([]types.Transition{
		{EntityID: "car", Timestamp: t0, To: types.ControlStatusRunning},
		{EntityID: "truck", Timestamp: t0, To: types.ControlStatusIdle},
	}, nil)
	rangeQuery := "start=" + start.Format(time.RFC3339) + "&end=" + end.Format(time.RFC3339)

	t.Run("Healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
		assert.Equal(t, "chargerudder", rec.Header().Get("Server"))
	})

	t.Run("Sessions", func(t *testing.T) {
		rec := get(t, h, "/api/sessions?"+rangeQuery)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []types.SessionRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.Len(t, got, 2)
		assert.Equal(t, "fleet-1", got[0].ID)
		assert.Equal(t, "live-2", got[1].ID)
		assert.Equal(t, "private, max-age=60", rec.Header().Get("Cache-Control"))

		rec = get(t, h, "/api/sessions?includeSuperseded=true&deviceID=garage&"+rangeQuery)
		require.Equal(t, http.StatusOK, rec.Code)
		got = nil
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Len(t, got, 2)

		rec = get(t, h, "/api/sessions?start=bad&end=bad")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = get(t, h, "/api/sessions?includeSuperseded=maybe&"+rangeQuery)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Session", func(t *testing.T) {
		rec := get(t, h, "/api/sessions/fleet-1")
		require.Equal(t, http.StatusOK, rec.Code)
		var got types.SessionRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, types.SessionSourceAuthoritative, got.Source)

		rec = get(t, h, "/api/sessions/missing")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("LiveSessions", func(t *testing.T) {
		rec := get(t, h, "/api/sessions/live")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("PriceStatistics", func(t *testing.T) {
		rec := get(t, h, "/api/prices/statistics")
		require.Equal(t, http.StatusOK, rec.Code)
		var got priceStatisticsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.True(t, got.Insufficient)
		assert.Nil(t, got.Percentile)

		fillPrices(t, ts.Server, ts.now(), 200)
		rec = get(t, h, "/api/prices/statistics?price=100")
		require.Equal(t, http.StatusOK, rec.Code)
		got = priceStatisticsResponse{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.NotNil(t, got.Percentile)
		assert.InDelta(t, 50, *got.Percentile, 1e-9)
		require.NotNil(t, got.Latest)
		assert.Equal(t, 200.0, got.Latest.CentsPerKWH)

		rec = get(t, h, "/api/prices/statistics?price=cheap")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Control", func(t *testing.T) {
		rec := get(t, h, "/api/control")
		require.Equal(t, http.StatusOK, rec.Code)
		var got controlResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		assert.Equal(t, 90.0, got.StopPercentile)
		require.Len(t, got.Entities, 1)
		assert.Equal(t, types.ControlStatusUnknown, got.Entities[0].Status)
	})

	t.Run("Transitions", func(t *testing.T) {
		rec := get(t, h, "/api/control/transitions?entityID=car&"+rangeQuery)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []types.Transition
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "car", got[0].EntityID)
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.db.On("GetSession", mock.Anything, mock.Anything).Return(types.SessionRecord{}, storage.ErrNotFound)
	var verified []string
	ts.oidcVerifier = func(ctx context.Context, token string) (*oidc.IDToken, error) {
		verified = append(verified, token)
		return nil, errors.New("bad token")
	}
	h := ts.setupHandler()

	t.Run("Missing", func(t *testing.T) {
		rec := get(t, h, "/api/control")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/control", nil)
		req.Header.Set("Authorization", "Basic abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("Invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/control", nil)
		req.Header.Set("Authorization", "Bearer abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, []string{"abc"}, verified)
	})

	t.Run("HealthzIsOpen", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}
