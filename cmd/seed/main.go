package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
)

// seed fills a development database with a month of 5 minute prices and a
// nightly charging session per device.
func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	days := lflag.Duration("seed-range", 30*24*time.Hour, "How much history to generate")
	devices := lflag.String("seed-devices", "garage", "comma-delimited list of device names to generate sessions for")
	lflag.Configure()
	log.ConfigureFromLLog()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now().UTC().Truncate(5 * time.Minute)
	start := now.Add(-*days)

	fees := &utility.Fees{DeliveryCentsPerKWH: 7.5}

	var prices []types.PriceSample
	for t := start; !t.After(now); t = t.Add(5 * time.Minute) {
		prices = append(prices, types.PriceSample{
			Timestamp:   t,
			CentsPerKWH: mockPrice(rng, t),
			Provider:    "comed",
		})
	}
	// keep each write comfortably under the bulk writer batch size
	for i := 0; i < len(prices); i += 500 {
		end := min(i+500, len(prices))
		if err := s.UpsertPrices(ctx, prices[i:end]); err != nil {
			panic(fmt.Errorf("failed to upsert prices: %w", err))
		}
	}

	var sessions []types.SessionRecord
	for _, device := range strings.Split(*devices, ",") {
		device = strings.TrimSpace(device)
		if device == "" {
			continue
		}
		for day := start.Truncate(24 * time.Hour); day.Before(now); day = day.Add(24 * time.Hour) {
			if rng.Float64() < 0.3 {
				continue
			}
			begin := day.Add(time.Duration(4+rng.Intn(4)) * time.Hour).Add(time.Duration(rng.Intn(60)) * time.Minute)
			duration := time.Duration(60+rng.Intn(240)) * time.Minute
			if begin.Add(duration).After(now) {
				continue
			}
			kw := 7.2 + rng.Float64()*4
			energy := kw * duration.Hours()
			avg := averagePrice(prices, begin, begin.Add(duration))
			sessions = append(sessions, types.SessionRecord{
				ID:                 uuid.NewString(),
				DeviceID:           device,
				StartTime:          begin,
				EndTime:            begin.Add(duration),
				DurationSeconds:    duration.Seconds(),
				EnergyKWH:          energy,
				AvgPowerKW:         kw,
				PeakPowerKW:        kw + 0.2,
				Source:             types.SessionSourceAuthoritative,
				Status:             types.SessionStatusCanonical,
				Cost:               fees.Estimate(energy, avg),
				AuthoritativeStart: begin,
				ReceivedAt:         begin.Add(duration + 6*time.Hour),
				CanonicalAt:        begin.Add(duration + 6*time.Hour),
			})
		}
	}
	if err := s.UpsertSessions(ctx, sessions); err != nil {
		panic(fmt.Errorf("failed to upsert sessions: %w", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data", "prices", len(prices), "sessions", len(sessions))
	if err := s.Close(); err != nil {
		panic(err)
	}
}

// mockPrice follows a day-shaped curve with an occasional afternoon spike.
func mockPrice(rng *rand.Rand, t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	base := 3 + 2*math.Sin((hour-9)/24*2*math.Pi)
	if hour >= 15 && hour < 19 && rng.Float64() < 0.05 {
		base += 10 + rng.Float64()*40
	}
	return math.Round((base+rng.NormFloat64()*0.8)*10) / 10
}

func averagePrice(prices []types.PriceSample, start, end time.Time) float64 {
	var sum float64
	var n int
	for _, p := range prices {
		if !p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			sum += p.CentsPerKWH
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
