package pricestats

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/cache"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Configured registers the price statistics flags.
func Configured() *Statistics {
	cfg := DefaultConfig()
	s := New(cfg)

	lookback := lflag.Duration("price-lookback", cfg.Lookback, "Rolling window of prices used for percentiles")
	ttl := lflag.Duration("price-cache-ttl", cfg.CacheTTL, "How long a computed price distribution is reused")
	minSamples := cfg.MinSamples
	lflag.JSON(&minSamples, "price-min-samples", minSamples, "Fewer prices than this yields no percentiles")

	lflag.Do(func() {
		c := Config{
			Lookback:   *lookback,
			CacheTTL:   *ttl,
			MinSamples: minSamples,
		}
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("invalid price statistics config: %v", err))
		}
		s.cfg = c
		s.snapshot = cache.New[types.PriceDistributionSnapshot](c.CacheTTL)
	})

	return s
}
