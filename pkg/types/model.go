package types

import "time"

const (
	CurrentSessionVersion      = 1
	CurrentPriceHistoryVersion = 1
	CurrentTransitionVersion   = 1
)

// PowerSample is a single instantaneous power reading from a charging device.
type PowerSample struct {
	DeviceID   string    `json:"deviceID"`
	Timestamp  time.Time `json:"timestamp"`
	PowerWatts float64   `json:"powerWatts"`
	VehicleID  string    `json:"vehicleID,omitempty"`
}

// PriceSample is a single market price observation.
type PriceSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CentsPerKWH float64   `json:"centsPerKWH"`
	Provider    string    `json:"provider,omitempty"`
}

// PriceDistributionSnapshot summarizes the rolling price window at a point in
// time. Percentile fields are only meaningful when Insufficient is false.
type PriceDistributionSnapshot struct {
	ComputedAt        time.Time `json:"computedAt"`
	Mean              float64   `json:"mean"`
	Median            float64   `json:"median"`
	StdDev            float64   `json:"stdDev"`
	Min               float64   `json:"min"`
	Max               float64   `json:"max"`
	P10               float64   `json:"p10"`
	P25               float64   `json:"p25"`
	P75               float64   `json:"p75"`
	P90               float64   `json:"p90"`
	P95               float64   `json:"p95"`
	SampleCount       int       `json:"sampleCount"`
	WindowDaysCovered float64   `json:"windowDaysCovered"`

	// LowConfidence is set when the window covers less than the configured
	// lookback or holds fewer than the minimum number of samples.
	LowConfidence bool `json:"lowConfidence"`
	// Insufficient is set when there are fewer than the minimum number of
	// samples. No percentiles are computed in that case.
	Insufficient bool `json:"insufficient"`
}
