// Package odds prices quotes from a market's listed odds snapshot.
//
// The engine holds no exposure state; it only reads markets. A quote's price is
// stake * odds * (1 + edge), where edge is the house margin.
package odds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/store"
)

// DefaultEdge is the house margin applied on top of stake * odds.
var DefaultEdge = decimal.NewFromFloat(0.02)

// MinOdds is the floor for any priced side. Decimal odds below 1 would pay
// back less than the stake on a win.
var MinOdds = decimal.NewFromInt(1)

// Precision is the number of decimal places odds are rounded to.
const Precision = 4

var (
	ErrMarketNotFound = errors.New("odds: market not found")
	ErrMarketClosed   = errors.New("odds: market closed")
)

// MarketReader is the subset of the store the engine needs.
type MarketReader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
}

// Jitter returns a signed adjustment for one side of a market. It simulates
// market movement between listing and quoting; nil disables it.
type Jitter func(marketID, side string) decimal.Decimal

// Engine computes current odds per side.
type Engine struct {
	markets MarketReader
	jitter  Jitter
	now     func() time.Time
}

// NewEngine creates an odds engine over the given markets.
func NewEngine(markets MarketReader, jitter Jitter) *Engine {
	return &Engine{
		markets: markets,
		jitter:  jitter,
		now:     time.Now,
	}
}

// WithClock overrides the engine's clock. Used in tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PriceFor returns decimal odds for every side of the market. The returned
// side set always equals the market's side set.
func (e *Engine) PriceFor(ctx context.Context, marketID string) (map[string]decimal.Decimal, error) {
	m, err := e.markets.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		return nil, fmt.Errorf("odds: load market %s: %w", marketID, err)
	}
	return e.PriceMarket(m)
}

// PriceMarket prices an already loaded market.
func (e *Engine) PriceMarket(m *model.Market) (map[string]decimal.Decimal, error) {
	if !m.IsOpen(e.now()) {
		return nil, fmt.Errorf("%w: %s (status %s, expires %s)",
			ErrMarketClosed, m.ID, m.Status, m.ExpiresAt.Format(time.RFC3339))
	}

	out := make(map[string]decimal.Decimal, len(m.Odds))
	for side, o := range m.Odds {
		if e.jitter != nil {
			o = o.Add(e.jitter(m.ID, side))
		}
		out[side] = Clamp(o)
	}
	return out, nil
}

// Clamp floors odds at MinOdds and rounds to Precision places.
func Clamp(o decimal.Decimal) decimal.Decimal {
	if o.LessThan(MinOdds) {
		o = MinOdds
	}
	return o.Round(Precision)
}

// QuotePrice is the amount a bettor owes for a quote:
//
//	price = stake * odds * (1 + edge)
func QuotePrice(stake, odds, edge decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds).Mul(decimal.NewFromInt(1).Add(edge))
}
