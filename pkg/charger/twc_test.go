package charger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTWC(t *testing.T) {
	ctx := context.Background()

	t.Run("Sample", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/1/vitals", r.URL.Path)
			_, _ = w.Write([]byte(`{
				"contactor_closed": true,
				"vehicle_connected": true,
				"session_s": 1320,
				"grid_v": 240.2,
				"grid_hz": 59.97,
				"vehicle_current_a": 30.0,
				"session_energy_wh": 2634.1,
				"evse_state": 11,
				"current_alerts": []
			}`))
		}))
		defer ts.Close()

		now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
		twc := NewTWC("garage", ts.URL, "din-1", ts.Client())
		twc.now = func() time.Time { return now }

		s, err := twc.Sample(ctx)
		require.NoError(t, err)
		assert.Equal(t, "garage", s.DeviceID)
		assert.Equal(t, now, s.Timestamp)
		assert.InDelta(t, 7206.0, s.PowerWatts, 1e-9)

		v, err := twc.Vitals(ctx)
		require.NoError(t, err)
		assert.True(t, v.Charging())
		assert.InDelta(t, 2634.1, v.SessionEnergyWH, 1e-9)
	})

	t.Run("Idle", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"contactor_closed": false, "vehicle_connected": true, "grid_v": 241.0, "vehicle_current_a": 0}`))
		}))
		defer ts.Close()

		s, err := NewTWC("garage", ts.URL, "", ts.Client()).Sample(ctx)
		require.NoError(t, err)
		assert.Zero(t, s.PowerWatts)
	})

	t.Run("BadStatus", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		_, err := NewTWC("garage", ts.URL, "", ts.Client()).Sample(ctx)
		assert.Error(t, err)
	})
}

func TestMap(t *testing.T) {
	m := NewMap()
	m.SetCharger("garage", "din-1", NewTWC("garage", "127.0.0.1", "din-1", nil))
	m.SetCharger("driveway", "", NewTWC("driveway", "127.0.0.2", "", nil))

	assert.Equal(t, []string{"driveway", "garage"}, m.Names())
	assert.Equal(t, "garage", m.NameForDIN("din-1"))
	assert.Equal(t, "din-9", m.NameForDIN("din-9"))

	_, ok := m.Charger("garage")
	assert.True(t, ok)
	_, ok = m.Charger("shed")
	assert.False(t, ok)
}
