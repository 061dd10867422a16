package reconcile

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured registers the reconciliation flags and returns a Store built
// from them once flags are parsed.
func Configured(prices PriceHistory, costs CostEstimator) *Store {
	cfg := DefaultConfig()
	s := New(cfg, prices, costs)

	tolerance := lflag.Duration("reconcile-match-tolerance", cfg.MatchTolerance, "Largest start time difference between a live and an authoritative record of the same session")
	grace := lflag.Duration("reconcile-grace-period", cfg.GracePeriod, "How long a live session waits for its authoritative record before becoming canonical")
	ratio := cfg.DiscrepancyRatio
	lflag.JSON(&ratio, "reconcile-discrepancy-ratio", ratio, "Relative energy difference above which a merge is flagged")
	retention := lflag.Duration("reconcile-retention", cfg.Retention, "How long reconciled sessions are kept in memory")

	lflag.Do(func() {
		c := Config{
			MatchTolerance:   *tolerance,
			GracePeriod:      *grace,
			DiscrepancyRatio: ratio,
			Retention:        *retention,
		}
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("invalid reconcile config: %v", err))
		}
		s.cfg = c
	})

	return s
}
