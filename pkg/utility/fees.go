package utility

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"
)

// Fees holds the non-market charges added on top of the supply price.
type Fees struct {
	DeliveryCentsPerKWH float64
}

// configuredFees registers the delivery fee flag.
func configuredFees() *Fees {
	f := &Fees{DeliveryCentsPerKWH: 7.5}
	delivery := f.DeliveryCentsPerKWH
	lflag.JSON(&delivery, "delivery-cents-per-kwh", delivery, "Flat delivery charge per kWh added to session cost estimates")

	lflag.Do(func() {
		if delivery < 0 {
			panic(fmt.Sprintf("delivery-cents-per-kwh must not be negative: %f", delivery))
		}
		f.DeliveryCentsPerKWH = delivery
	})
	return f
}

// Estimate prices energyKWH at avgPriceCents supply plus delivery.
func (f *Fees) Estimate(energyKWH, avgPriceCents float64) types.CostEstimate {
	return types.NewCostEstimate(energyKWH, avgPriceCents, f.DeliveryCentsPerKWH)
}
