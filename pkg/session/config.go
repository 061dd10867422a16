package session

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured registers the session flags and returns a Tracker built from
// them once flags are parsed.
func Configured(prices PriceLookup, costs CostEstimator) *Tracker {
	cfg := DefaultConfig()
	t := NewTracker(cfg, prices, costs)

	threshold := cfg.StartThresholdWatts
	lflag.JSON(&threshold, "session-start-threshold-watts", threshold, "Power above this many watts counts as charging")
	debounce := lflag.Duration("session-debounce", cfg.Debounce, "How long power must stay low before a session closes")
	minEnergy := cfg.MinEnergyKWH
	lflag.JSON(&minEnergy, "session-min-energy-kwh", minEnergy, "Sessions with less energy are discarded as noise")
	minDuration := lflag.Duration("session-min-duration", cfg.MinDuration, "Sessions shorter than this are discarded as noise")
	pollInterval := lflag.Duration("power-poll-interval", cfg.PollInterval, "Interval between charger power polls")

	lflag.Do(func() {
		c := Config{
			StartThresholdWatts: threshold,
			Debounce:            *debounce,
			MinEnergyKWH:        minEnergy,
			MinDuration:         *minDuration,
			PollInterval:        *pollInterval,
		}
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("invalid session config: %v", err))
		}
		t.cfg = c
	})

	return t
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.StartThresholdWatts < 0 {
		return fmt.Errorf("start threshold must not be negative: %f", c.StartThresholdWatts)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative: %s", c.Debounce)
	}
	if c.MinEnergyKWH < 0 {
		return fmt.Errorf("min energy must not be negative: %f", c.MinEnergyKWH)
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("min duration must not be negative: %s", c.MinDuration)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %s", c.PollInterval)
	}
	return nil
}
