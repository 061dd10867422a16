package utility

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/cache"
	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ComEd uses Central Time
var ctLocation = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(fmt.Errorf("failed to load central time location: %w", err))
	}
	return loc
}()

const (
	comedProvider = "comed"
	// the feed publishes one price every 5 minutes
	comedInterval = 5 * time.Minute
	// longer ranges are split into requests of at most a day
	comedMaxRange = 24 * time.Hour
)

// ComEd reads the ComEd hourly pricing 5-minute feed.
type ComEd struct {
	apiURL       string
	client       *http.Client
	pollInterval time.Duration
	backfill     time.Duration
	now          func() time.Time

	// feed caches the last poll until the next 5 minute block
	feed *cache.Value[[]types.PriceSample]

	mu     sync.Mutex
	newest time.Time
}

// NewComEd returns a ComEd source. The first Poll returns backfill worth of
// history.
func NewComEd(apiURL string, client *http.Client, backfill time.Duration) *ComEd {
	return &ComEd{
		apiURL:       apiURL,
		client:       client,
		pollInterval: comedInterval,
		backfill:     backfill,
		now:          time.Now,
		feed:         cache.New[[]types.PriceSample](comedInterval),
	}
}

// configuredComEd sets up flags for ComEd and returns the instance.
func configuredComEd() *ComEd {
	c := NewComEd("", common.HTTPClient(10*time.Second), 30*24*time.Hour)
	apiURL := lflag.String("comed-api-url", "https://hourlypricing.comed.com/api", "URL for the ComEd Hourly Pricing API")
	pollInterval := lflag.Duration("price-poll-interval", c.pollInterval, "Interval between price polls")
	backfill := lflag.Duration("price-backfill", c.backfill, "How much price history the first poll loads")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.pollInterval = *pollInterval
		c.backfill = *backfill
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("invalid comed config: %v", err))
		}
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *ComEd) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("comed-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse comed url (%s): %w", c.apiURL, err)
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("price poll interval must be positive: %s", c.pollInterval)
	}
	if c.backfill < 0 {
		return fmt.Errorf("price backfill must not be negative: %s", c.backfill)
	}
	return nil
}

// Name returns the provider name stamped on samples.
func (c *ComEd) Name() string {
	return comedProvider
}

// PollInterval returns how often Poll should be called.
func (c *ComEd) PollInterval() time.Duration {
	return c.pollInterval
}

// Poll returns the prices published since the previous poll. The first call
// returns the configured backfill. Calls within the same 5 minute block share
// one request.
func (c *ComEd) Poll(ctx context.Context) ([]types.PriceSample, error) {
	now := c.now().In(ctLocation)
	return c.feed.Get(ctx, now.Truncate(comedInterval), func(ctx context.Context) ([]types.PriceSample, error) {
		c.mu.Lock()
		start := c.newest
		c.mu.Unlock()
		if start.IsZero() {
			start = now.Add(-c.backfill)
		} else {
			// overlap a little in case a price was published late
			start = start.Add(-comedInterval)
		}

		prices, err := c.History(ctx, start, now)
		if err != nil {
			return nil, err
		}
		if len(prices) > 0 {
			c.mu.Lock()
			if last := prices[len(prices)-1].Timestamp; last.After(c.newest) {
				c.newest = last
			}
			c.mu.Unlock()
		}
		return prices, nil
	})
}

// History returns every 5-minute price stamped within [start, end], ordered
// by time.
func (c *ComEd) History(ctx context.Context, start, end time.Time) ([]types.PriceSample, error) {
	log.Ctx(ctx).DebugContext(
		ctx,
		"getting comed price history",
		slog.Time("start", start),
		slog.Time("end", end),
	)
	var prices []types.PriceSample
	for from := start; from.Before(end); from = from.Add(comedMaxRange) {
		to := from.Add(comedMaxRange)
		if to.After(end) {
			to = end
		}
		chunk, err := c.fetchPricesRange(ctx, from, to)
		if err != nil {
			return nil, err
		}
		prices = append(prices, chunk...)
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].Timestamp.Before(prices[j].Timestamp)
	})
	// chunk edges overlap by a minute
	deduped := prices[:0]
	for i, p := range prices {
		if i > 0 && p.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped, nil
}

type comedPriceEntry struct {
	MillisUTC string `json:"millisUTC"`
	Price     string `json:"price"`
}

// fetchPricesRange retrieves prices from the ComEd API for a specific range.
func (c *ComEd) fetchPricesRange(ctx context.Context, start, end time.Time) ([]types.PriceSample, error) {
	start = start.In(ctLocation)
	end = end.In(ctLocation)

	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("type", "5minutefeed")
	params.Set("datestart", start.Format("200601021504"))
	params.Set("dateend", end.Format("200601021504"))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from comed", "url", u.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comed api returned status: %d", resp.StatusCode)
	}

	var data []comedPriceEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		// Sometimes ComEd returns empty body or non-json on error or no data
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	prices := make([]types.PriceSample, 0, len(data))
	for _, item := range data {
		ms, err := strconv.ParseInt(item.MillisUTC, 10, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed millisUTC", slog.String("value", item.MillisUTC), slog.Any("error", err))
			continue
		}
		centsPerKWH, err := strconv.ParseFloat(item.Price, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed price", slog.String("value", item.Price), slog.Any("error", err))
			continue
		}
		prices = append(prices, types.PriceSample{
			Timestamp:   time.UnixMilli(ms).UTC(),
			CentsPerKWH: centsPerKWH,
			Provider:    comedProvider,
		})
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched prices",
		slog.Int("count", len(prices)),
		slog.String("start", start.Format(time.RFC3339)),
		slog.String("end", end.Format(time.RFC3339)),
	)
	return prices, nil
}
