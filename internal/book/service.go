// Package book is the sportsbook application service: it runs the quote,
// confirm and settle flows across the rate limiter, odds engine, exposure
// ledger, quote registry and external gateways, and serves them over HTTP.
//
// All monetary values use shopspring/decimal, never float64.
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/exposure"
	"github.com/microbook/quote-engine/internal/gateway"
	"github.com/microbook/quote-engine/internal/listing"
	"github.com/microbook/quote-engine/internal/metrics"
	"github.com/microbook/quote-engine/internal/model"
	"github.com/microbook/quote-engine/internal/notify"
	"github.com/microbook/quote-engine/internal/odds"
	"github.com/microbook/quote-engine/internal/quote"
	"github.com/microbook/quote-engine/internal/ratelimit"
	"github.com/microbook/quote-engine/internal/settlement"
	"github.com/microbook/quote-engine/internal/store"
)

var (
	ErrRateLimited        = errors.New("book: rate limited")
	ErrInvalidStake       = errors.New("book: invalid stake")
	ErrMarketNotFound     = errors.New("book: market not found")
	ErrMarketExists       = errors.New("book: market already exists")
	ErrMarketSettled      = errors.New("book: market already settled")
	ErrPaymentNotVerified = errors.New("book: payment not verified")
	ErrChainGateway       = errors.New("book: chain gateway failure")
	ErrResultRequired     = errors.New("book: result side required")
)

// Config holds the quoting parameters. A zero Edge prices at fair odds.
type Config struct {
	QuoteTTL        time.Duration
	Edge            decimal.Decimal
	Limits          exposure.Limits
	DefaultMaxStake decimal.Decimal
}

// Deps are the collaborators a Service runs on. Oracle and Publisher are
// optional.
type Deps struct {
	Store     store.Store
	Limiter   ratelimit.Limiter
	Odds      *odds.Engine
	Ledger    *exposure.Ledger
	Quotes    *quote.Registry
	Payments  gateway.PaymentGateway
	Chain     gateway.ChainGateway
	Oracle    gateway.ResultOracle
	Publisher notify.Publisher
}

// Service orchestrates the sportsbook flows.
type Service struct {
	store    store.Store
	limiter  ratelimit.Limiter
	odds     *odds.Engine
	ledger   *exposure.Ledger
	quotes   *quote.Registry
	payments gateway.PaymentGateway
	chain    gateway.ChainGateway
	oracle   gateway.ResultOracle
	pub      notify.Publisher
	cfg      Config
	now      func() time.Time

	settleMu sync.Mutex // one settlement at a time per process
}

// NewService creates the application service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.DefaultMaxStake.IsZero() {
		cfg.DefaultMaxStake = listing.DefaultMaxStake
	}
	pub := deps.Publisher
	if pub == nil {
		pub = notify.Fanout{}
	}
	return &Service{
		store:    deps.Store,
		limiter:  deps.Limiter,
		odds:     deps.Odds,
		ledger:   deps.Ledger,
		quotes:   deps.Quotes,
		payments: deps.Payments,
		chain:    deps.Chain,
		oracle:   deps.Oracle,
		pub:      pub,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// QuoteTTL is the validity window of issued quotes.
func (s *Service) QuoteTTL() time.Duration { return s.cfg.QuoteTTL }

// QuoteRequest asks for a priced, reserved quote.
type QuoteRequest struct {
	MarketID string          `json:"market_id"`
	Side     string          `json:"side"`
	Stake    decimal.Decimal `json:"stake"`
	ClientID string          `json:"-"`
}

// RequestQuote admits the client, prices the market, reserves exposure and
// issues a quote. Every call counts against the client's rate limit, even
// ones that fail validation.
func (s *Service) RequestQuote(ctx context.Context, req QuoteRequest) (*model.Quote, error) {
	start := time.Now()

	ok, err := s.limiter.Admit(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("book: rate limiter: %w", err)
	}
	if !ok {
		metrics.QuoteRejections.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("%w: client %s", ErrRateLimited, req.ClientID)
	}

	m, err := s.market(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	current, err := s.odds.PriceMarket(m)
	if err != nil {
		metrics.QuoteRejections.WithLabelValues("market_closed").Inc()
		return nil, err
	}
	if _, ok := current[req.Side]; !ok {
		metrics.QuoteRejections.WithLabelValues("invalid_side").Inc()
		return nil, fmt.Errorf("%w: %q (market %s has %v)", quote.ErrInvalidSide, req.Side, m.ID, m.Sides())
	}
	if !req.Stake.IsPositive() || req.Stake.GreaterThan(m.MaxStake) {
		metrics.QuoteRejections.WithLabelValues("invalid_stake").Inc()
		return nil, fmt.Errorf("%w: %s (must be > 0 and <= %s)", ErrInvalidStake, req.Stake, m.MaxStake)
	}

	q, err := s.quotes.Issue(ctx, quote.IssueRequest{
		MarketID: m.ID,
		Side:     req.Side,
		ClientID: req.ClientID,
		Stake:    req.Stake,
		Odds:     current,
		Price:    odds.QuotePrice(req.Stake, current[req.Side], s.cfg.Edge),
		MaxStake: m.MaxStake,
		Limit:    s.cfg.Limits.For(req.Side),
		TTL:      s.cfg.QuoteTTL,
	})
	if err != nil {
		if errors.Is(err, quote.ErrExposureExceeded) {
			metrics.QuoteRejections.WithLabelValues("exposure").Inc()
		}
		return nil, err
	}

	s.observeExposure(q.Key())
	metrics.QuotesIssued.WithLabelValues(q.Side).Inc()
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())

	slog.Info("quote issued",
		"quote_id", q.ID,
		"market", q.MarketID,
		"side", q.Side,
		"stake", q.Stake.String(),
		"odds", q.Odds.String(),
		"price", q.Price.String(),
		"client", q.ClientID,
	)
	s.publish(ctx, model.Event{
		Type:     model.EventQuoteIssued,
		MarketID: q.MarketID,
		QuoteID:  q.ID,
		Side:     q.Side,
		Stake:    q.Stake,
		Odds:     q.Odds,
		Amount:   q.Price,
	})
	return q, nil
}

// ConfirmQuote verifies payment for a quote, mints its position and records
// it. Payment that is not yet seen leaves the quote open for a retry until
// its TTL; a definitive rejection cancels it, as does a market that closed
// after the quote was issued.
func (s *Service) ConfirmQuote(ctx context.Context, quoteID, proof string) (*model.Position, error) {
	var minted string
	finalize := func(ctx context.Context, q model.Quote) (string, error) {
		m, err := s.market(ctx, q.MarketID)
		if err != nil {
			return "", err
		}
		if !m.IsOpen(s.now()) {
			return "", fmt.Errorf("%w: %s (status %s)", odds.ErrMarketClosed, m.ID, m.Status)
		}

		v, err := s.payments.VerifyPayment(ctx, q.ID, proof)
		if err != nil {
			if errors.Is(err, gateway.ErrPaymentRejected) {
				return "", err
			}
			return "", fmt.Errorf("%w: %s: %v", ErrPaymentNotVerified, q.ID, err)
		}
		if !v.Paid {
			return "", fmt.Errorf("%w: %s", ErrPaymentNotVerified, q.ID)
		}

		txHash, err := s.chain.MintPosition(ctx, model.PositionFromQuote(&q))
		if err != nil {
			return "", fmt.Errorf("%w: mint %s: %v", ErrChainGateway, q.ID, err)
		}
		minted = txHash
		return txHash, nil
	}

	p, err := s.quotes.Confirm(ctx, quoteID, finalize)
	if err != nil {
		metrics.Confirmations.WithLabelValues(confirmOutcome(err)).Inc()
		switch {
		case errors.Is(err, gateway.ErrPaymentRejected):
			s.cancelQuote(ctx, quoteID, "payment rejected")
			return nil, fmt.Errorf("%w: %w", ErrPaymentNotVerified, err)
		case errors.Is(err, odds.ErrMarketClosed):
			s.cancelQuote(ctx, quoteID, "market closed")
		case minted != "":
			slog.Error("position minted but not recorded",
				"quote_id", quoteID, "tx", minted, "error", err)
		}
		return nil, err
	}

	metrics.Confirmations.WithLabelValues("confirmed").Inc()
	stake, _ := p.Stake.Float64()
	metrics.StakeConfirmed.WithLabelValues(p.MarketID, p.Side).Add(stake)

	slog.Info("bet confirmed",
		"quote_id", p.ID,
		"market", p.MarketID,
		"side", p.Side,
		"stake", p.Stake.String(),
		"odds", p.Odds.String(),
		"tx", p.TxHash,
	)
	s.publish(ctx, model.Event{
		Type:     model.EventBetConfirmed,
		MarketID: p.MarketID,
		QuoteID:  p.ID,
		Side:     p.Side,
		Stake:    p.Stake,
		Odds:     p.Odds,
		TxHash:   p.TxHash,
	})
	return p, nil
}

// SettleMarket records the market's result, pays winners and returns the
// settlement. An empty resultSide asks the oracle. Settling again with the
// same result is idempotent and retries payouts that were not transferred;
// a different result fails with ErrMarketSettled.
func (s *Service) SettleMarket(ctx context.Context, marketID, resultSide string) (*model.Settlement, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	m, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if resultSide == "" {
		if s.oracle == nil {
			return nil, fmt.Errorf("%w: %s", ErrResultRequired, marketID)
		}
		if resultSide, err = s.oracle.FetchResult(ctx, marketID); err != nil {
			return nil, fmt.Errorf("book: oracle result for %s: %w", marketID, err)
		}
	}
	if !m.HasSide(resultSide) {
		return nil, fmt.Errorf("%w: result %q (market %s has %v)", quote.ErrInvalidSide, resultSide, m.ID, m.Sides())
	}

	settledAt := s.now()
	firstSettle := m.Status != model.MarketSettled
	if !firstSettle {
		if m.ResultSide != resultSide {
			return nil, fmt.Errorf("%w: %s settled on %s", ErrMarketSettled, m.ID, m.ResultSide)
		}
		if prev, err := s.store.GetSettlement(ctx, m.ID); err == nil {
			settledAt = prev.SettledAt
		}
	}

	// No quote may be confirmed once the result is known.
	cancelled, err := s.quotes.CancelMarket(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("book: cancel outstanding quotes: %w", err)
	}

	positions, err := s.store.ListPositionsByMarket(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("book: list positions: %w", err)
	}
	st := settlement.Settle(m.ID, resultSide, positions)
	st.SettledAt = settledAt
	if err := s.store.SaveSettlement(ctx, &st); err != nil {
		return nil, fmt.Errorf("book: save settlement: %w", err)
	}
	if firstSettle {
		metrics.ActiveMarkets.Dec()
	}
	s.ledger.DropMarket(m.ID)
	metrics.ForgetMarket(m.ID)

	saved, err := s.store.GetSettlement(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("book: reload settlement: %w", err)
	}

	var failed int
	var lastErr error
	for i := range saved.Payouts {
		p := &saved.Payouts[i]
		if !p.Amount.IsPositive() || p.TxHash != "" {
			continue
		}
		txHash, err := s.chain.TransferPayout(ctx, p.PositionID, p.Amount)
		if err != nil {
			failed++
			lastErr = err
			metrics.Payouts.WithLabelValues("failed").Inc()
			slog.Error("payout transfer failed", "market", m.ID, "position", p.PositionID, "amount", p.Amount.String(), "error", err)
			continue
		}
		if err := s.store.SetPayoutTxHash(ctx, m.ID, p.PositionID, txHash); err != nil {
			// Sent but unrecorded: a retry would pay twice.
			slog.Error("payout sent but not recorded", "market", m.ID, "position", p.PositionID, "tx", txHash, "error", err)
			return saved, fmt.Errorf("book: record payout %s: %w", p.PositionID, err)
		}
		p.TxHash = txHash
		metrics.Payouts.WithLabelValues("sent").Inc()
		s.publish(ctx, model.Event{
			Type:     model.EventPayoutSent,
			MarketID: m.ID,
			QuoteID:  p.PositionID,
			Side:     p.Side,
			Stake:    p.Stake,
			Odds:     p.Odds,
			Amount:   p.Amount,
			TxHash:   txHash,
		})
	}

	slog.Info("market settled",
		"market", m.ID,
		"result", resultSide,
		"positions", len(saved.Payouts),
		"total", saved.Total.String(),
		"cancelled_quotes", len(cancelled),
		"failed_payouts", failed,
	)
	if firstSettle {
		s.publish(ctx, model.Event{
			Type:     model.EventMarketSettled,
			MarketID: m.ID,
			Side:     resultSide,
			Amount:   saved.Total,
		})
	}

	if failed > 0 {
		return saved, fmt.Errorf("%w: %d of %d payouts not transferred: %v",
			ErrChainGateway, failed, len(saved.Payouts), lastErr)
	}
	return saved, nil
}

// SweepExpired expires every quote past its TTL and releases its exposure.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.quotes.ExpireSweep(ctx, s.now())
	for i := range expired {
		q := &expired[i]
		s.observeExposure(q.Key())
		s.publish(ctx, model.Event{
			Type:     model.EventQuoteExpired,
			MarketID: q.MarketID,
			QuoteID:  q.ID,
			Side:     q.Side,
			Stake:    q.Stake,
			Odds:     q.Odds,
		})
	}
	metrics.QuotesExpired.Add(float64(len(expired)))
	if len(expired) > 0 {
		slog.Info("quotes expired", "count", len(expired))
	}
	return len(expired), err
}

// CreateMarket validates and lists a new market.
func (s *Service) CreateMarket(ctx context.Context, req listing.Request) (*model.Market, error) {
	m, err := listing.Build(req, s.now(), s.cfg.DefaultMaxStake)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
		}
		return nil, fmt.Errorf("book: create market: %w", err)
	}
	metrics.ActiveMarkets.Inc()

	slog.Info("market listed",
		"market", m.ID,
		"sport", m.Sport,
		"sides", m.Sides(),
		"max_stake", m.MaxStake.String(),
		"expires_at", m.ExpiresAt,
	)
	return m, nil
}

// ListMarkets returns markets, optionally filtered by sport.
func (s *Service) ListMarkets(ctx context.Context, sport string) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx, sport)
	if err != nil {
		return nil, fmt.Errorf("book: list markets: %w", err)
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// GetMarket returns one market.
func (s *Service) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return s.market(ctx, marketID)
}

// Odds returns the current odds of an open market.
func (s *Service) Odds(ctx context.Context, marketID string) (map[string]decimal.Decimal, error) {
	m, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return s.odds.PriceMarket(m)
}

// GetQuote returns one quote.
func (s *Service) GetQuote(ctx context.Context, quoteID string) (*model.Quote, error) {
	return s.quotes.Get(ctx, quoteID)
}

// GetSettlement returns a market's settlement.
func (s *Service) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no settlement for %s", ErrMarketNotFound, marketID)
		}
		return nil, fmt.Errorf("book: load settlement: %w", err)
	}
	return st, nil
}

// SideExposure is the committed stake of one market side against its limit.
type SideExposure struct {
	Side      string          `json:"side"`
	Committed decimal.Decimal `json:"committed"`
	Limit     decimal.Decimal `json:"limit"`
	Available decimal.Decimal `json:"available"`
}

// Exposure reports every side of a market, in side order.
func (s *Service) Exposure(ctx context.Context, marketID string) ([]SideExposure, error) {
	m, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	out := make([]SideExposure, 0, len(m.Odds))
	for _, side := range m.Sides() {
		committed := s.ledger.Committed(model.ExposureKey{MarketID: m.ID, Side: side})
		limit := s.cfg.Limits.For(side)
		available := limit.Sub(committed)
		if available.IsNegative() {
			available = decimal.Zero
		}
		out = append(out, SideExposure{Side: side, Committed: committed, Limit: limit, Available: available})
	}
	return out, nil
}

func (s *Service) market(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		return nil, fmt.Errorf("book: load market %s: %w", marketID, err)
	}
	return m, nil
}

// cancelQuote cancels a quote whose confirmation can no longer succeed.
// A quote already cancelled elsewhere, e.g. by settlement, is left as is.
func (s *Service) cancelQuote(ctx context.Context, quoteID, reason string) {
	q, err := s.quotes.Get(ctx, quoteID)
	if err == nil {
		err = s.quotes.Cancel(ctx, quoteID)
	}
	if err != nil {
		if !errors.Is(err, quote.ErrQuoteCancelled) {
			slog.Error("cancel quote failed", "quote_id", quoteID, "reason", reason, "error", err)
		}
		return
	}
	s.observeExposure(q.Key())
	slog.Info("quote cancelled", "quote_id", quoteID, "reason", reason)
}

func (s *Service) observeExposure(key model.ExposureKey) {
	v, _ := s.ledger.Committed(key).Float64()
	metrics.Exposure.WithLabelValues(key.MarketID, key.Side).Set(v)
}

// publish is best-effort: the state change it reports is already committed.
func (s *Service) publish(ctx context.Context, e model.Event) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.pub.Publish(ctx, e.MarketID, e); err != nil {
		slog.Warn("publish failed", "type", e.Type, "market", e.MarketID, "error", err)
	}
}

func confirmOutcome(err error) string {
	switch {
	case errors.Is(err, gateway.ErrPaymentRejected):
		return "payment_rejected"
	case errors.Is(err, odds.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, ErrPaymentNotVerified):
		return "payment_not_verified"
	case errors.Is(err, ErrChainGateway):
		return "chain_error"
	case errors.Is(err, quote.ErrAlreadyConfirmed):
		return "already_confirmed"
	case errors.Is(err, quote.ErrQuoteExpired):
		return "expired"
	case errors.Is(err, quote.ErrQuoteCancelled):
		return "cancelled"
	case errors.Is(err, quote.ErrQuoteNotFound):
		return "not_found"
	}
	return "error"
}
