// Package settlement computes market payouts. Settle is pure: no clock, no
// randomness, no I/O, so a settlement can be replayed from the position
// trail and compared byte for byte.
package settlement

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// Settle pays stake * odds to every position on resultSide and zero to the
// rest. Payouts are ordered by position id. SettledAt is left for the caller.
func Settle(marketID, resultSide string, positions []model.Position) model.Settlement {
	payouts := make([]model.Payout, 0, len(positions))
	total := decimal.Zero
	for _, p := range positions {
		amount := decimal.Zero
		if p.Side == resultSide {
			amount = Payout(p.Stake, p.Odds)
		}
		payouts = append(payouts, model.Payout{
			PositionID: p.ID,
			Side:       p.Side,
			Stake:      p.Stake,
			Odds:       p.Odds,
			Amount:     amount,
		})
		total = total.Add(amount)
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].PositionID < payouts[j].PositionID })

	return model.Settlement{
		MarketID:   marketID,
		ResultSide: resultSide,
		Payouts:    payouts,
		Total:      total,
	}
}

// Payout is the gross return of a winning position.
func Payout(stake, odds decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds)
}
