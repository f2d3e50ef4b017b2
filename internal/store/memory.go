package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	quotes      map[string]*model.Quote
	positions   map[string]*model.Position
	settlements map[string]*model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		quotes:      make(map[string]*model.Quote),
		positions:   make(map[string]*model.Position),
		settlements: make(map[string]*model.Settlement),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, sport string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		if sport != "" && m.Sport != sport {
			continue
		}
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) InsertQuote(_ context.Context, q *model.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.quotes[q.ID]; ok {
		return fmt.Errorf("quote %s: %w", q.ID, ErrAlreadyExists)
	}
	copy := *q
	s.quotes[q.ID] = &copy
	return nil
}

func (s *MemoryStore) GetQuote(_ context.Context, id string) (*model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return nil, fmt.Errorf("quote %s: %w", id, ErrNotFound)
	}
	copy := *q
	return &copy, nil
}

func (s *MemoryStore) TransitionQuote(_ context.Context, id string, from, to model.QuoteState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transitionLocked(id, from, to)
}

func (s *MemoryStore) transitionLocked(id string, from, to model.QuoteState) error {
	q, ok := s.quotes[id]
	if !ok {
		return fmt.Errorf("quote %s: %w", id, ErrNotFound)
	}
	if q.State != from {
		return fmt.Errorf("quote %s is %s, not %s: %w", id, q.State, from, ErrStateConflict)
	}
	q.State = to
	return nil
}

func (s *MemoryStore) ListQuotedBefore(_ context.Context, cutoff time.Time) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Quote
	for _, q := range s.quotes {
		if q.State == model.QuoteQuoted && !q.ExpiresAt.After(cutoff) {
			result = append(result, *q)
		}
	}
	sortQuotes(result)
	return result, nil
}

func (s *MemoryStore) ListQuotedByMarket(_ context.Context, marketID string) ([]model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Quote
	for _, q := range s.quotes {
		if q.State == model.QuoteQuoted && q.MarketID == marketID {
			result = append(result, *q)
		}
	}
	sortQuotes(result)
	return result, nil
}

func (s *MemoryStore) ActiveExposure(_ context.Context) (map[model.ExposureKey]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[model.ExposureKey]decimal.Decimal)
	for _, q := range s.quotes {
		if m, ok := s.markets[q.MarketID]; ok && m.Status == model.MarketSettled {
			continue
		}
		if q.State.Active() {
			exposures[q.Key()] = exposures[q.Key()].Add(q.Stake)
		}
	}
	return exposures, nil
}

func (s *MemoryStore) ConfirmQuote(_ context.Context, quoteID string, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrAlreadyExists)
	}
	if err := s.transitionLocked(quoteID, model.QuoteQuoted, model.QuoteConfirmed); err != nil {
		return err
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[st.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", st.MarketID, ErrNotFound)
	}

	next := copySettlement(st)
	if prev, ok := s.settlements[st.MarketID]; ok {
		sent := make(map[string]string, len(prev.Payouts))
		for _, p := range prev.Payouts {
			sent[p.PositionID] = p.TxHash
		}
		for i := range next.Payouts {
			if h := sent[next.Payouts[i].PositionID]; h != "" {
				next.Payouts[i].TxHash = h
			}
		}
	}

	m.Status = model.MarketSettled
	m.ResultSide = st.ResultSide
	s.settlements[st.MarketID] = next
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[marketID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", marketID, ErrNotFound)
	}
	return copySettlement(st), nil
}

func (s *MemoryStore) SetPayoutTxHash(_ context.Context, marketID, positionID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[marketID]
	if !ok {
		return fmt.Errorf("settlement %s: %w", marketID, ErrNotFound)
	}
	for i := range st.Payouts {
		if st.Payouts[i].PositionID == positionID {
			st.Payouts[i].TxHash = txHash
			return nil
		}
	}
	return fmt.Errorf("payout %s/%s: %w", marketID, positionID, ErrNotFound)
}

// --- copy helpers (stored values must not alias caller memory) ---

func copyMarket(m *model.Market) *model.Market {
	c := *m
	c.Odds = make(map[string]decimal.Decimal, len(m.Odds))
	for side, o := range m.Odds {
		c.Odds[side] = o
	}
	return &c
}

func copySettlement(st *model.Settlement) *model.Settlement {
	c := *st
	c.Payouts = append([]model.Payout(nil), st.Payouts...)
	return &c
}

func sortQuotes(qs []model.Quote) {
	sort.Slice(qs, func(i, j int) bool {
		if qs[i].ExpiresAt.Equal(qs[j].ExpiresAt) {
			return qs[i].ID < qs[j].ID
		}
		return qs[i].ExpiresAt.Before(qs[j].ExpiresAt)
	})
}
