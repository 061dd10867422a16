package utility

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeesEstimate(t *testing.T) {
	f := &Fees{DeliveryCentsPerKWH: 7.5}

	c := f.Estimate(21.508, 3.2)
	assert.InDelta(t, 21.508*3.2, c.SupplyCents, 1e-9)
	assert.InDelta(t, 21.508*7.5, c.DeliveryCents, 1e-9)
	assert.InDelta(t, c.SupplyCents+c.DeliveryCents, c.TotalCents, 1e-9)

	// negative real-time prices reduce supply cost but never delivery
	c = f.Estimate(10, -1)
	assert.InDelta(t, -10, c.SupplyCents, 1e-9)
	assert.InDelta(t, 65, c.TotalCents, 1e-9)
}
