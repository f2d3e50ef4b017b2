package odds

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// UniformJitter returns a Jitter drawing uniformly from [-bound, +bound],
// rounded to Precision places. A zero or negative bound yields nil.
func UniformJitter(bound float64) Jitter {
	if bound <= 0 {
		return nil
	}
	return func(_, _ string) decimal.Decimal {
		v := (rand.Float64()*2 - 1) * bound
		return decimal.NewFromFloat(v).Round(Precision)
	}
}
