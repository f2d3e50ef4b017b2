// Package store defines the persistence interface for the quote engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for markets and settlements), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, quote, position or settlement
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrStateConflict is returned by compare-and-set transitions when the
	// record is no longer in the expected state.
	ErrStateConflict = errors.New("store: state conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a newly listed market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns markets, optionally filtered by sport ("" = all).
	ListMarkets(ctx context.Context, sport string) ([]model.Market, error)

	// --- Quotes ---

	// InsertQuote persists a freshly issued quote.
	InsertQuote(ctx context.Context, quote *model.Quote) error

	// GetQuote retrieves a quote by its ID.
	GetQuote(ctx context.Context, id string) (*model.Quote, error)

	// TransitionQuote moves a quote from one state to another, failing with
	// ErrStateConflict if it is not currently in from.
	TransitionQuote(ctx context.Context, id string, from, to model.QuoteState) error

	// ListQuotedBefore returns quoted quotes whose expires_at <= cutoff.
	ListQuotedBefore(ctx context.Context, cutoff time.Time) ([]model.Quote, error)

	// ListQuotedByMarket returns the outstanding quoted quotes of a market.
	ListQuotedByMarket(ctx context.Context, marketID string) ([]model.Quote, error)

	// ActiveExposure sums stakes of quoted and confirmed quotes per key,
	// skipping settled markets.
	ActiveExposure(ctx context.Context) (map[model.ExposureKey]decimal.Decimal, error)

	// --- Positions ---

	// ConfirmQuote atomically transitions the quote quoted → confirmed and
	// inserts its position. ErrStateConflict if the quote was not quoted.
	ConfirmQuote(ctx context.Context, quoteID string, position *model.Position) error

	// GetPosition retrieves a position by its ID (= quote ID).
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositionsByMarket returns all positions of a market ordered by ID.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// --- Settlement ---

	// SaveSettlement marks the market settled and records its payouts.
	// Payout tx hashes already recorded are preserved.
	SaveSettlement(ctx context.Context, settlement *model.Settlement) error

	// GetSettlement retrieves a market's settlement.
	GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error)

	// SetPayoutTxHash records the transfer hash of one payout.
	SetPayoutTxHash(ctx context.Context, marketID, positionID, txHash string) error
}
