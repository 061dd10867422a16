package utility

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedServer answers the 5-minute feed with one entry per 5 minutes inside
// the requested range, priced by the minute of the hour.
func feedServer(t *testing.T, requests *atomic.Int32, ranges *[]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "5minutefeed", q.Get("type"))
		start, err := time.ParseInLocation("200601021504", q.Get("datestart"), ctLocation)
		assert.NoError(t, err)
		end, err := time.ParseInLocation("200601021504", q.Get("dateend"), ctLocation)
		assert.NoError(t, err)
		if ranges != nil {
			*ranges = append(*ranges, q.Get("datestart")+"-"+q.Get("dateend"))
		}

		var entries []string
		for ts := start.Truncate(5 * time.Minute); !ts.After(end); ts = ts.Add(5 * time.Minute) {
			if ts.Before(start) {
				continue
			}
			entries = append(entries, fmt.Sprintf(`{"millisUTC":"%d","price":"%.1f"}`, ts.UnixMilli(), float64(ts.Minute())/10))
		}
		w.Header().Set("Content-Type", "application/json")
		// ComEd returns newest first
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		_, _ = w.Write([]byte("[" + strings.Join(entries, ",") + "]"))
	}))
}

func TestComEd(t *testing.T) {
	ctx := context.Background()

	t.Run("Parsing", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[
			{"millisUTC":"1706227800000","price":"3.0"},
			{"millisUTC":"bad","price":"3.0"},
			{"millisUTC":"1706227500000","price":"-0.4"}
		]`))
		}))
		defer ts.Close()

		c := NewComEd(ts.URL, ts.Client(), time.Hour)
		prices, err := c.History(ctx, time.UnixMilli(1706227200000), time.UnixMilli(1706227800000))
		require.NoError(t, err)
		require.Len(t, prices, 2)

		assert.Equal(t, time.UnixMilli(1706227500000).UTC(), prices[0].Timestamp)
		assert.InDelta(t, -0.4, prices[0].CentsPerKWH, 1e-9)
		assert.InDelta(t, 3.0, prices[1].CentsPerKWH, 1e-9)
		assert.Equal(t, "comed", prices[1].Provider)
	})

	t.Run("BackfillThenIncremental", func(t *testing.T) {
		var requests atomic.Int32
		var ranges []string
		ts := feedServer(t, &requests, &ranges)
		defer ts.Close()

		now := time.Date(2026, 1, 20, 12, 2, 0, 0, ctLocation)
		c := NewComEd(ts.URL, ts.Client(), 48*time.Hour)
		c.now = func() time.Time { return now }

		prices, err := c.Poll(ctx)
		require.NoError(t, err)
		// two days split into two requests
		assert.Equal(t, int32(2), requests.Load())
		assert.Len(t, ranges, 2)
		require.NotEmpty(t, prices)
		assert.Len(t, prices, 48*12)
		for i := 1; i < len(prices); i++ {
			assert.True(t, prices[i].Timestamp.After(prices[i-1].Timestamp))
		}

		// same 5 minute block, no new request
		again, err := c.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, prices, again)
		assert.Equal(t, int32(2), requests.Load())

		now = now.Add(5 * time.Minute)
		prices, err = c.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(3), requests.Load())
		// re-reads one interval before the newest known price
		require.Len(t, prices, 3)
		assert.Equal(t, time.Date(2026, 1, 20, 11, 55, 0, 0, ctLocation).UTC(), prices[0].Timestamp)
		assert.Equal(t, time.Date(2026, 1, 20, 12, 5, 0, 0, ctLocation).UTC(), prices[2].Timestamp)
	})

	t.Run("ErrorNotCached", func(t *testing.T) {
		var fail atomic.Bool
		fail.Store(true)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail.Load() {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}))
		defer ts.Close()

		c := NewComEd(ts.URL, ts.Client(), time.Hour)
		_, err := c.Poll(ctx)
		assert.Error(t, err)

		fail.Store(false)
		prices, err := c.Poll(ctx)
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	t.Run("Validate", func(t *testing.T) {
		c := NewComEd("", http.DefaultClient, time.Hour)
		assert.Error(t, c.Validate())
		c.apiURL = "https://hourlypricing.comed.com/api"
		assert.NoError(t, c.Validate())
		c.backfill = -time.Hour
		assert.Error(t, c.Validate())
	})
}
