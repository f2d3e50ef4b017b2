// Package quote owns the quote lifecycle: issuance against the exposure
// ledger, single-use confirmation, cancellation and TTL expiry.
//
// State machine:
//
//	quoted --confirm--> confirmed
//	quoted --ttl------> expired    (releases exposure)
//	quoted --cancel---> cancelled  (releases exposure)
//
// Every transition is a compare-and-set in the store, so exactly one caller
// wins even when several race on the same quote.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/exposure"
	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/store"
)

var (
	ErrQuoteNotFound     = errors.New("quote: not found")
	ErrAlreadyConfirmed  = errors.New("quote: already confirmed")
	ErrQuoteExpired      = errors.New("quote: expired")
	ErrQuoteCancelled    = errors.New("quote: cancelled")
	ErrExposureExceeded  = errors.New("quote: exposure limit exceeded")
	ErrInvalidSide       = errors.New("quote: invalid side")
	ErrNonPositiveStake  = errors.New("quote: stake must be positive")
)

// Finalizer runs the external steps of a confirmation (payment verification,
// position mint) and returns the transaction hash to record on the position.
// An error aborts the confirmation and leaves the quote quoted.
type Finalizer func(ctx context.Context, q model.Quote) (txHash string, err error)

// IssueRequest carries everything needed to issue a quote. Odds is the full
// side→odds map from the odds engine; Price is the amount owed.
type IssueRequest struct {
	MarketID string
	Side     string
	ClientID string
	Stake    decimal.Decimal
	Odds     map[string]decimal.Decimal
	Price    decimal.Decimal
	MaxStake decimal.Decimal
	Limit    decimal.Decimal
	TTL      time.Duration
}

// Registry issues and transitions quotes.
type Registry struct {
	store  store.Store
	ledger *exposure.Ledger
	now    func() time.Time
	newID  func() string

	mu       sync.Mutex
	inflight map[string]*claim // quote ids with a confirmation running or waiting
}

// claim serializes confirmations of one quote. sem holds a token while a
// confirmation runs; refs counts the holder and its waiters.
type claim struct {
	sem  chan struct{}
	refs int
}

// NewRegistry creates a registry backed by st that reserves against ledger.
func NewRegistry(st store.Store, ledger *exposure.Ledger) *Registry {
	return &Registry{
		store:    st,
		ledger:   ledger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
		inflight: make(map[string]*claim),
	}
}

// WithClock overrides the registry's clock. Used in tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Issue reserves exposure for the request and persists a quoted quote.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (*model.Quote, error) {
	odds, ok := req.Odds[req.Side]
	if !ok {
		return nil, fmt.Errorf("%w: %q on market %s", ErrInvalidSide, req.Side, req.MarketID)
	}
	if !req.Stake.IsPositive() {
		return nil, ErrNonPositiveStake
	}

	key := model.ExposureKey{MarketID: req.MarketID, Side: req.Side}
	if !r.ledger.TryReserve(key, req.Stake, req.Limit) {
		return nil, fmt.Errorf("%w: %s committed %s, limit %s",
			ErrExposureExceeded, key, r.ledger.Committed(key), req.Limit)
	}

	now := r.now()
	q := &model.Quote{
		ID:        r.newID(),
		MarketID:  req.MarketID,
		Side:      req.Side,
		ClientID:  req.ClientID,
		Stake:     req.Stake,
		Odds:      odds,
		Price:     req.Price,
		MaxStake:  req.MaxStake,
		State:     model.QuoteQuoted,
		ExpiresAt: now.Add(req.TTL),
		CreatedAt: now,
	}
	if err := r.store.InsertQuote(ctx, q); err != nil {
		r.ledger.Release(key, req.Stake)
		return nil, fmt.Errorf("quote: insert %s: %w", q.ID, err)
	}
	return q, nil
}

// Get returns a quote by id.
func (r *Registry) Get(ctx context.Context, quoteID string) (*model.Quote, error) {
	q, err := r.store.GetQuote(ctx, quoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrQuoteNotFound, quoteID)
		}
		return nil, fmt.Errorf("quote: load %s: %w", quoteID, err)
	}
	return q, nil
}

// Confirm transitions a quoted quote to confirmed and records its position.
// finalize, if non-nil, runs after the quote is claimed and before the
// transition commits. At most one confirmation per quote runs at a time:
// concurrent callers wait for it and then see the state it left, so they
// fail with ErrAlreadyConfirmed only if it actually confirmed.
func (r *Registry) Confirm(ctx context.Context, quoteID string, finalize Finalizer) (*model.Position, error) {
	if err := r.claim(ctx, quoteID); err != nil {
		return nil, err
	}
	defer r.unclaim(quoteID)

	q, err := r.Get(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := stateErr(q); err != nil {
		return nil, err
	}
	if q.ExpiredAt(r.now()) {
		if _, err := r.retire(ctx, q, model.QuoteExpired); err != nil {
			slog.Error("expire on confirm failed", "quote_id", q.ID, "error", err)
		}
		return nil, fmt.Errorf("%w: %s at %s", ErrQuoteExpired, q.ID, q.ExpiresAt.Format(time.RFC3339))
	}

	var txHash string
	if finalize != nil {
		if txHash, err = finalize(ctx, *q); err != nil {
			return nil, err
		}
	}

	p := model.PositionFromQuote(q)
	p.TxHash = txHash
	p.CreatedAt = r.now()
	if err := r.store.ConfirmQuote(ctx, q.ID, &p); err != nil {
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrAlreadyExists) {
			// Another process moved the quote first.
			if cur, gerr := r.Get(ctx, q.ID); gerr == nil {
				if serr := stateErr(cur); serr != nil {
					return nil, serr
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConfirmed, q.ID)
		}
		return nil, fmt.Errorf("quote: confirm %s: %w", q.ID, err)
	}
	return &p, nil
}

// Cancel transitions a quoted quote to cancelled and releases its exposure.
func (r *Registry) Cancel(ctx context.Context, quoteID string) error {
	q, err := r.Get(ctx, quoteID)
	if err != nil {
		return err
	}
	if err := stateErr(q); err != nil {
		return err
	}
	ok, err := r.retire(ctx, q, model.QuoteCancelled)
	if err != nil {
		return err
	}
	if !ok {
		cur, err := r.Get(ctx, quoteID)
		if err != nil {
			return err
		}
		return stateErr(cur)
	}
	return nil
}

// CancelMarket cancels every outstanding quoted quote of a market and
// returns the ones it cancelled.
func (r *Registry) CancelMarket(ctx context.Context, marketID string) ([]model.Quote, error) {
	quotes, err := r.store.ListQuotedByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("quote: list outstanding for %s: %w", marketID, err)
	}
	var cancelled []model.Quote
	for i := range quotes {
		ok, err := r.retire(ctx, &quotes[i], model.QuoteCancelled)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled = append(cancelled, quotes[i])
		}
	}
	return cancelled, nil
}

// ExpireSweep expires every quoted quote whose TTL has elapsed at now and
// releases its exposure. Quotes with a confirmation in progress are left for
// the next sweep.
func (r *Registry) ExpireSweep(ctx context.Context, now time.Time) ([]model.Quote, error) {
	due, err := r.store.ListQuotedBefore(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("quote: list due: %w", err)
	}
	var expired []model.Quote
	for i := range due {
		if r.claimed(due[i].ID) {
			continue
		}
		ok, err := r.retire(ctx, &due[i], model.QuoteExpired)
		if err != nil {
			return expired, err
		}
		if ok {
			expired = append(expired, due[i])
		}
	}
	return expired, nil
}

// RestoreExposure rebuilds the ledger from the durable quote trail: the sum
// of stakes of quoted and confirmed quotes per key.
func (r *Registry) RestoreExposure(ctx context.Context) error {
	committed, err := r.store.ActiveExposure(ctx)
	if err != nil {
		return fmt.Errorf("quote: load active exposure: %w", err)
	}
	r.ledger.Restore(committed)
	return nil
}

// retire moves q from quoted to a terminal state and releases its stake.
// It reports false, with no error, if another caller transitioned q first.
func (r *Registry) retire(ctx context.Context, q *model.Quote, to model.QuoteState) (bool, error) {
	err := r.store.TransitionQuote(ctx, q.ID, model.QuoteQuoted, to)
	if errors.Is(err, store.ErrStateConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("quote: %s → %s: %w", q.ID, to, err)
	}
	r.ledger.Release(q.Key(), q.Stake)
	return true, nil
}

// claim blocks until the caller holds quote id's confirmation token or ctx
// is done.
func (r *Registry) claim(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.inflight[id]
	if !ok {
		c = &claim{sem: make(chan struct{}, 1)}
		r.inflight[id] = c
	}
	c.refs++
	r.mu.Unlock()

	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		r.release(id, c)
		return ctx.Err()
	}
}

func (r *Registry) unclaim(id string) {
	r.mu.Lock()
	c := r.inflight[id]
	r.mu.Unlock()
	<-c.sem
	r.release(id, c)
}

func (r *Registry) release(id string, c *claim) {
	r.mu.Lock()
	if c.refs--; c.refs == 0 {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
}

func (r *Registry) claimed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[id]
	return ok
}

// stateErr maps a terminal quote state to its error.
func stateErr(q *model.Quote) error {
	if !q.State.Terminal() {
		return nil
	}
	switch q.State {
	case model.QuoteConfirmed:
		return fmt.Errorf("%w: %s", ErrAlreadyConfirmed, q.ID)
	case model.QuoteExpired:
		return fmt.Errorf("%w: %s", ErrQuoteExpired, q.ID)
	case model.QuoteCancelled:
		return fmt.Errorf("%w: %s", ErrQuoteCancelled, q.ID)
	}
	return nil
}
