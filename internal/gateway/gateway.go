// Package gateway holds the narrow interfaces to the sportsbook's external
// collaborators (payment verification, on-chain position and payout
// transfers, result oracle) together with their HTTP and simulated
// implementations.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

var (
	// ErrPaymentRejected is a definitive rejection: the proof will never
	// verify, so the quote should be cancelled rather than retried.
	ErrPaymentRejected = errors.New("gateway: payment rejected")

	// ErrChainUnavailable wraps transport and RPC failures of the chain
	// gateway. Callers treat it as retryable.
	ErrChainUnavailable = errors.New("gateway: chain unavailable")

	// ErrNoResult is returned by an oracle that has no result yet.
	ErrNoResult = errors.New("gateway: no result")
)

// Verification is the outcome of a payment check.
type Verification struct {
	Paid   bool   `json:"paid"`
	TxHash string `json:"tx_hash,omitempty"`
}

// PaymentGateway verifies that the amount owed for a quote was paid.
type PaymentGateway interface {
	VerifyPayment(ctx context.Context, quoteID, proof string) (Verification, error)
}

// ChainGateway records positions and payouts on chain.
type ChainGateway interface {
	MintPosition(ctx context.Context, p model.Position) (txHash string, err error)
	TransferPayout(ctx context.Context, positionID string, amount decimal.Decimal) (txHash string, err error)
}

// ResultOracle reports the winning side of a finished market.
type ResultOracle interface {
	FetchResult(ctx context.Context, marketID string) (side string, err error)
}
