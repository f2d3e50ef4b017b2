package odds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, m *model.Market, jitter Jitter) *Engine {
	t.Helper()
	st := store.NewMemoryStore()
	if err := st.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return NewEngine(st, jitter).WithClock(func() time.Time { return now })
}

func openMarket() *model.Market {
	return &model.Market{
		ID:        "next-goal-1001",
		Sport:     "soccer",
		Odds:      map[string]decimal.Decimal{"home": d(1.9), "away": d(2.0), "draw": d(3.25)},
		MaxStake:  d(1),
		ExpiresAt: now.Add(5 * time.Minute),
		Status:    model.MarketOpen,
		CreatedAt: now.Add(-time.Minute),
	}
}

func TestQuotePrice(t *testing.T) {
	tests := []struct {
		stake, odds, edge float64
		want              string
	}{
		{1.0, 1.9, 0.02, "1.938"},
		{0.5, 2.0, 0.02, "1.02"},
		{1.0, 1.0, 0, "1"},
		{0.25, 3.2, 0.05, "0.84"},
	}
	for _, tt := range tests {
		got := QuotePrice(d(tt.stake), d(tt.odds), d(tt.edge))
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("QuotePrice(%v, %v, %v) = %s, want %s", tt.stake, tt.odds, tt.edge, got, tt.want)
		}
	}
}

func TestPriceFor_SideSetMatchesMarket(t *testing.T) {
	m := openMarket()
	e := setup(t, m, nil)

	for i := 0; i < 5; i++ {
		odds, err := e.PriceFor(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if len(odds) != 3 {
			t.Fatalf("expected 3 sides, got %d", len(odds))
		}
		for _, side := range m.Sides() {
			if _, ok := odds[side]; !ok {
				t.Errorf("missing side %q", side)
			}
		}
	}
}

func TestPriceFor_ReturnsSnapshot(t *testing.T) {
	e := setup(t, openMarket(), nil)

	odds, err := e.PriceFor(context.Background(), "next-goal-1001")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !odds["home"].Equal(d(1.9)) || !odds["draw"].Equal(d(3.25)) {
		t.Errorf("unexpected odds: %v", odds)
	}
}

func TestPriceFor_JitterClampedAndRounded(t *testing.T) {
	jitter := func(_, side string) decimal.Decimal {
		if side == "home" {
			return d(-5)
		}
		return d(0.012345)
	}
	e := setup(t, openMarket(), jitter)

	odds, err := e.PriceFor(context.Background(), "next-goal-1001")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !odds["home"].Equal(MinOdds) {
		t.Errorf("expected home clamped to %s, got %s", MinOdds, odds["home"])
	}
	if !odds["away"].Equal(d(2.0123)) {
		t.Errorf("expected away 2.0123, got %s", odds["away"])
	}
}

func TestPriceFor_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		e := setup(t, openMarket(), nil)
		_, err := e.PriceFor(context.Background(), "missing")
		if !errors.Is(err, ErrMarketNotFound) {
			t.Errorf("expected ErrMarketNotFound, got %v", err)
		}
	})

	t.Run("past expiry", func(t *testing.T) {
		m := openMarket()
		m.ExpiresAt = now
		e := setup(t, m, nil)
		_, err := e.PriceFor(context.Background(), m.ID)
		if !errors.Is(err, ErrMarketClosed) {
			t.Errorf("expected ErrMarketClosed, got %v", err)
		}
	})

	t.Run("settled", func(t *testing.T) {
		m := openMarket()
		m.Status = model.MarketSettled
		e := setup(t, m, nil)
		_, err := e.PriceFor(context.Background(), m.ID)
		if !errors.Is(err, ErrMarketClosed) {
			t.Errorf("expected ErrMarketClosed, got %v", err)
		}
	})
}

func TestUniformJitterBounded(t *testing.T) {
	if UniformJitter(0) != nil {
		t.Error("expected nil jitter for zero bound")
	}
	j := UniformJitter(0.05)
	for i := 0; i < 1000; i++ {
		v := j("m", "home")
		if v.Abs().GreaterThan(d(0.05)) {
			t.Fatalf("jitter %s out of bounds", v)
		}
	}
}
