package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and settlements. Quotes and positions change state under
// compare-and-set and are never cached.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.SaveSettlement(ctx, st); err != nil {
		return err
	}
	// Market status changed; next read will re-populate.
	s.rdb.Del(ctx, marketKey(st.MarketID), settlementKey(st.MarketID))
	return nil
}

func (s *CachedStore) SetPayoutTxHash(ctx context.Context, marketID, positionID, txHash string) error {
	if err := s.primary.SetPayoutTxHash(ctx, marketID, positionID, txHash); err != nil {
		return err
	}
	s.rdb.Del(ctx, settlementKey(marketID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	data, err := s.rdb.Get(ctx, settlementKey(marketID)).Bytes()
	if err == nil {
		var st model.Settlement
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetSettlement(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, settlementKey(marketID), st)
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, sport string) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, sport)
}

func (s *CachedStore) InsertQuote(ctx context.Context, q *model.Quote) error {
	return s.primary.InsertQuote(ctx, q)
}

func (s *CachedStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	return s.primary.GetQuote(ctx, id)
}

func (s *CachedStore) TransitionQuote(ctx context.Context, id string, from, to model.QuoteState) error {
	return s.primary.TransitionQuote(ctx, id, from, to)
}

func (s *CachedStore) ListQuotedBefore(ctx context.Context, cutoff time.Time) ([]model.Quote, error) {
	return s.primary.ListQuotedBefore(ctx, cutoff)
}

func (s *CachedStore) ListQuotedByMarket(ctx context.Context, marketID string) ([]model.Quote, error) {
	return s.primary.ListQuotedByMarket(ctx, marketID)
}

func (s *CachedStore) ActiveExposure(ctx context.Context) (map[model.ExposureKey]decimal.Decimal, error) {
	return s.primary.ActiveExposure(ctx)
}

func (s *CachedStore) ConfirmQuote(ctx context.Context, quoteID string, p *model.Position) error {
	return s.primary.ConfirmQuote(ctx, quoteID, p)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("cache:market:%s", id) }
func settlementKey(id string) string { return fmt.Sprintf("cache:settlement:%s", id) }
