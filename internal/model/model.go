// Package model defines the core domain types shared across the quote engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Market statuses.
const (
	MarketOpen    = "open"
	MarketSettled = "settled"
)

// Market is a short-lived betting market listed by the market-listing
// process. Immutable once listed except for Status and ResultSide.
type Market struct {
	ID          string                     `json:"id" db:"id"`
	Sport       string                     `json:"sport" db:"sport"`
	Description string                     `json:"description" db:"description"`
	Odds        map[string]decimal.Decimal `json:"odds" db:"odds"` // side → decimal odds snapshot
	MaxStake    decimal.Decimal            `json:"max_stake" db:"max_stake"`
	ExpiresAt   time.Time                  `json:"expires_at" db:"expires_at"`
	Status      string                     `json:"status" db:"status"`
	ResultSide  string                     `json:"result_side,omitempty" db:"result_side"`
	CreatedAt   time.Time                  `json:"created_at" db:"created_at"`
}

// Sides returns the market's side set in sorted order. The set is fixed for
// the market's lifetime.
func (m *Market) Sides() []string {
	sides := make([]string, 0, len(m.Odds))
	for s := range m.Odds {
		sides = append(sides, s)
	}
	sort.Strings(sides)
	return sides
}

// HasSide reports whether side is a recognized side of the market.
func (m *Market) HasSide(side string) bool {
	_, ok := m.Odds[side]
	return ok
}

// IsOpen reports whether the market accepts new quotes at now.
func (m *Market) IsOpen(now time.Time) bool {
	return m.Status == MarketOpen && now.Before(m.ExpiresAt)
}

// ExposureKey identifies one side of one market in the exposure ledger.
type ExposureKey struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
}

func (k ExposureKey) String() string { return k.MarketID + ":" + k.Side }

// QuoteState is the lifecycle state of a Quote.
type QuoteState string

const (
	QuoteQuoted    QuoteState = "quoted"
	QuoteConfirmed QuoteState = "confirmed"
	QuoteExpired   QuoteState = "expired"
	QuoteCancelled QuoteState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s QuoteState) Terminal() bool {
	return s != QuoteQuoted
}

// Active reports whether a quote in this state holds exposure.
func (s QuoteState) Active() bool {
	return s == QuoteQuoted || s == QuoteConfirmed
}

// Quote is a single-use, time-bounded price offer. Immutable except State.
type Quote struct {
	ID        string          `json:"quote_id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      string          `json:"side" db:"side"`
	ClientID  string          `json:"client_id,omitempty" db:"client_id"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	Odds      decimal.Decimal `json:"odds" db:"odds"`   // snapshot at issuance
	Price     decimal.Decimal `json:"price" db:"price"` // amount owed, edge included
	MaxStake  decimal.Decimal `json:"max_stake" db:"max_stake"`
	State     QuoteState      `json:"state" db:"state"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the exposure key the quote reserves against.
func (q *Quote) Key() ExposureKey {
	return ExposureKey{MarketID: q.MarketID, Side: q.Side}
}

// ExpiredAt reports whether the quote's TTL has elapsed at now.
func (q *Quote) ExpiredAt(now time.Time) bool {
	return !q.ExpiresAt.After(now)
}

// Position is a confirmed, paid bet. Created only from a confirmed Quote;
// its ID equals the quote ID.
type Position struct {
	ID        string          `json:"position_id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      string          `json:"side" db:"side"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	Odds      decimal.Decimal `json:"odds" db:"odds"`
	TxHash    string          `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PositionFromQuote derives the position a confirmed quote yields.
func PositionFromQuote(q *Quote) Position {
	return Position{
		ID:       q.ID,
		MarketID: q.MarketID,
		Side:     q.Side,
		Stake:    q.Stake,
		Odds:     q.Odds,
	}
}

// Payout is one settled position's line in a settlement.
type Payout struct {
	PositionID string          `json:"position_id"`
	Side       string          `json:"side"`
	Stake      decimal.Decimal `json:"stake"`
	Odds       decimal.Decimal `json:"odds"`
	Amount     decimal.Decimal `json:"amount"`
	TxHash     string          `json:"tx_hash,omitempty"`
}

// Settlement is the auditable payout record of a market.
type Settlement struct {
	MarketID   string          `json:"market_id"`
	ResultSide string          `json:"result_side"`
	Payouts    []Payout        `json:"payouts"` // sorted by position id
	Total      decimal.Decimal `json:"total"`
	SettledAt  time.Time       `json:"settled_at"`
}

// ByPosition returns the per-position payout breakdown.
func (s *Settlement) ByPosition() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(s.Payouts))
	for _, p := range s.Payouts {
		out[p.PositionID] = p.Amount
	}
	return out
}

// Event types published to subscribers.
const (
	EventQuoteIssued   = "quote_issued"
	EventBetConfirmed  = "bet_confirmed"
	EventQuoteExpired  = "quote_expired"
	EventMarketSettled = "market_settled"
	EventPayoutSent    = "payout_sent"
)

// Event is a best-effort notification about a committed state change.
type Event struct {
	Type     string          `json:"type"`
	MarketID string          `json:"market_id"`
	QuoteID  string          `json:"quote_id,omitempty"`
	Side     string          `json:"side,omitempty"`
	Stake    decimal.Decimal `json:"stake"`
	Odds     decimal.Decimal `json:"odds"`
	Amount   decimal.Decimal `json:"amount"`
	TxHash   string          `json:"tx_hash,omitempty"`
	At       time.Time       `json:"at"`
}
