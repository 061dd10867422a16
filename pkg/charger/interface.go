package charger

import (
	"context"

	"github.com/raterudder/chargerudder/pkg/types"
)

// Charger is a device whose power draw can be sampled.
type Charger interface {
	// Sample returns the current power draw.
	Sample(ctx context.Context) (types.PowerSample, error)
}
