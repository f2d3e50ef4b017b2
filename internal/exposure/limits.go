package exposure

import (
	"github.com/shopspring/decimal"
)

// Limits holds the per-side risk limits. A side with no explicit limit falls
// back to Default.
type Limits struct {
	// Default applies to any side without an explicit entry.
	Default decimal.Decimal

	// PerSide overrides the limit for named sides, e.g. "home", "over".
	PerSide map[string]decimal.Decimal
}

// NewLimits creates limits with the given default and per-side overrides.
func NewLimits(def decimal.Decimal, perSide map[string]decimal.Decimal) Limits {
	ps := make(map[string]decimal.Decimal, len(perSide))
	for side, v := range perSide {
		ps[side] = v
	}
	return Limits{Default: def, PerSide: ps}
}

// For returns the limit for side.
func (l Limits) For(side string) decimal.Decimal {
	if v, ok := l.PerSide[side]; ok {
		return v
	}
	return l.Default
}
