package controller

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Configured registers the controller flags and returns a controller built
// from them once flags are parsed.
func Configured(prices PriceView, sessions SessionView, actuator Actuator) *Charging {
	cfg := DefaultConfig()
	c := NewCharging(cfg, prices, sessions, actuator)

	stop := cfg.StopPercentile
	lflag.JSON(&stop, "control-stop-percentile", stop, "Pause charging when the price percentile is at or above this")
	resume := cfg.ResumePercentile
	lflag.JSON(&resume, "control-resume-percentile", resume, "Resume charging when the price percentile is at or below this")
	minInterval := lflag.Duration("control-min-interval", cfg.MinInterval, "Minimum time between price-driven transitions of one entity")
	maxPriceAge := lflag.Duration("control-max-price-age", cfg.MaxPriceAge, "Latest price older than this is treated as missing and control degrades to unknown")
	evaluateInterval := lflag.Duration("control-evaluate-interval", cfg.EvaluateInterval, "Interval between controller evaluations")
	entities := []types.ControlledEntity{}
	lflag.JSON(&entities, "control-entities", entities, `JSON list of controlled entities, e.g. [{"entityID":"VIN","deviceID":"garage","dryRun":true}]`)

	lflag.Do(func() {
		next := Config{
			StopPercentile:   stop,
			ResumePercentile: resume,
			MinInterval:      *minInterval,
			MaxPriceAge:      *maxPriceAge,
			EvaluateInterval: *evaluateInterval,
			Entities:         entities,
		}
		if err := next.Validate(); err != nil {
			panic(fmt.Sprintf("invalid controller config: %v", err))
		}
		c.setConfig(next)
	})

	return c
}
