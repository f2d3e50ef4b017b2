package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, sport, description, odds::TEXT, max_stake::TEXT,
	expires_at, status, result_side, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	odds, err := json.Marshal(m.Odds)
	if err != nil {
		return fmt.Errorf("encode odds: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, sport, description, odds, max_stake, expires_at, status, result_side, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5::NUMERIC, $6, $7, $8, $9)`,
		m.ID, m.Sport, m.Description, string(odds), m.MaxStake.String(),
		m.ExpiresAt, m.Status, m.ResultSide, m.CreatedAt,
	)
	return mapErr(err, "create market "+m.ID)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, mapErr(err, "get market "+id)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, sport string) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE $1 = '' OR sport = $1
		 ORDER BY created_at DESC`, sport)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Quotes ---

const quoteColumns = `id, market_id, side, client_id, stake::TEXT, odds::TEXT,
	price::TEXT, max_stake::TEXT, state, expires_at, created_at`

func (s *PostgresStore) InsertQuote(ctx context.Context, q *model.Quote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotes (id, market_id, side, client_id, stake, odds, price, max_stake, state, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		q.ID, q.MarketID, q.Side, q.ClientID,
		q.Stake.String(), q.Odds.String(), q.Price.String(), q.MaxStake.String(),
		string(q.State), q.ExpiresAt, q.CreatedAt,
	)
	return mapErr(err, "insert quote "+q.ID)
}

func (s *PostgresStore) GetQuote(ctx context.Context, id string) (*model.Quote, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if err != nil {
		return nil, mapErr(err, "get quote "+id)
	}
	return q, nil
}

func (s *PostgresStore) TransitionQuote(ctx context.Context, id string, from, to model.QuoteState) error {
	return transitionQuote(ctx, s.pool, id, from, to)
}

// execQuerier is satisfied by both the pool and a transaction.
type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func transitionQuote(ctx context.Context, db execQuerier, id string, from, to model.QuoteState) error {
	tag, err := db.Exec(ctx,
		`UPDATE quotes SET state = $3 WHERE id = $1 AND state = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition quote %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var state string
	err = db.QueryRow(ctx, `SELECT state FROM quotes WHERE id = $1`, id).Scan(&state)
	if err != nil {
		return mapErr(err, "transition quote "+id)
	}
	return fmt.Errorf("quote %s is %s, not %s: %w", id, state, from, ErrStateConflict)
}

func (s *PostgresStore) ListQuotedBefore(ctx context.Context, cutoff time.Time) ([]model.Quote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+quoteColumns+` FROM quotes
		 WHERE state = $1 AND expires_at <= $2
		 ORDER BY expires_at, id`, string(model.QuoteQuoted), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuotes(rows)
}

func (s *PostgresStore) ListQuotedByMarket(ctx context.Context, marketID string) ([]model.Quote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+quoteColumns+` FROM quotes
		 WHERE state = $1 AND market_id = $2
		 ORDER BY expires_at, id`, string(model.QuoteQuoted), marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQuotes(rows)
}

func (s *PostgresStore) ActiveExposure(ctx context.Context) (map[model.ExposureKey]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.market_id, q.side, COALESCE(SUM(q.stake), 0)::TEXT
		 FROM quotes q
		 JOIN markets m ON m.id = q.market_id
		 WHERE q.state IN ($1, $2) AND m.status <> $3
		 GROUP BY q.market_id, q.side`,
		string(model.QuoteQuoted), string(model.QuoteConfirmed), model.MarketSettled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exposures := make(map[model.ExposureKey]decimal.Decimal)
	for rows.Next() {
		var key model.ExposureKey
		var sumS string
		if err := rows.Scan(&key.MarketID, &key.Side, &sumS); err != nil {
			return nil, err
		}
		exposures[key], _ = decimal.NewFromString(sumS)
	}
	return exposures, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) ConfirmQuote(ctx context.Context, quoteID string, p *model.Position) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := transitionQuote(ctx, tx, quoteID, model.QuoteQuoted, model.QuoteConfirmed); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (id, market_id, side, stake, odds, tx_hash, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
			p.ID, p.MarketID, p.Side, p.Stake.String(), p.Odds.String(), p.TxHash, p.CreatedAt,
		)
		return mapErr(err, "insert position "+p.ID)
	})
}

const positionColumns = `id, market_id, side, stake::TEXT, odds::TEXT, tx_hash, created_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	var stakeS, oddsS string
	err := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id).
		Scan(&p.ID, &p.MarketID, &p.Side, &stakeS, &oddsS, &p.TxHash, &p.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get position "+id)
	}
	p.Stake, _ = decimal.NewFromString(stakeS)
	p.Odds, _ = decimal.NewFromString(oddsS)
	return &p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var stakeS, oddsS string
		if err := rows.Scan(&p.ID, &p.MarketID, &p.Side, &stakeS, &oddsS, &p.TxHash, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Stake, _ = decimal.NewFromString(stakeS)
		p.Odds, _ = decimal.NewFromString(oddsS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET status = $2, result_side = $3 WHERE id = $1`,
			st.MarketID, model.MarketSettled, st.ResultSide)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("market %s: %w", st.MarketID, ErrNotFound)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlements (market_id, result_side, total, settled_at)
			 VALUES ($1, $2, $3::NUMERIC, $4)
			 ON CONFLICT (market_id) DO UPDATE
			 SET result_side = EXCLUDED.result_side, total = EXCLUDED.total`,
			st.MarketID, st.ResultSide, st.Total.String(), st.SettledAt)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, p := range st.Payouts {
			batch.Queue(
				`INSERT INTO payouts (market_id, position_id, side, stake, odds, amount, tx_hash)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
				 ON CONFLICT (market_id, position_id) DO UPDATE
				 SET amount = EXCLUDED.amount,
				     tx_hash = CASE WHEN payouts.tx_hash <> '' THEN payouts.tx_hash ELSE EXCLUDED.tx_hash END`,
				st.MarketID, p.PositionID, p.Side,
				p.Stake.String(), p.Odds.String(), p.Amount.String(), p.TxHash,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	var st model.Settlement
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, result_side, total::TEXT, settled_at FROM settlements WHERE market_id = $1`,
		marketID).Scan(&st.MarketID, &st.ResultSide, &totalS, &st.SettledAt)
	if err != nil {
		return nil, mapErr(err, "get settlement "+marketID)
	}
	st.Total, _ = decimal.NewFromString(totalS)

	rows, err := s.pool.Query(ctx,
		`SELECT position_id, side, stake::TEXT, odds::TEXT, amount::TEXT, tx_hash
		 FROM payouts WHERE market_id = $1 ORDER BY position_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Payout
		var stakeS, oddsS, amountS string
		if err := rows.Scan(&p.PositionID, &p.Side, &stakeS, &oddsS, &amountS, &p.TxHash); err != nil {
			return nil, err
		}
		p.Stake, _ = decimal.NewFromString(stakeS)
		p.Odds, _ = decimal.NewFromString(oddsS)
		p.Amount, _ = decimal.NewFromString(amountS)
		st.Payouts = append(st.Payouts, p)
	}
	return &st, rows.Err()
}

func (s *PostgresStore) SetPayoutTxHash(ctx context.Context, marketID, positionID, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts SET tx_hash = $3 WHERE market_id = $1 AND position_id = $2`,
		marketID, positionID, txHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s/%s: %w", marketID, positionID, ErrNotFound)
	}
	return nil
}

// --- scanning ---

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var oddsS, maxStakeS string
	if err := row.Scan(&m.ID, &m.Sport, &m.Description, &oddsS, &maxStakeS,
		&m.ExpiresAt, &m.Status, &m.ResultSide, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(oddsS), &m.Odds); err != nil {
		return nil, fmt.Errorf("decode odds for market %s: %w", m.ID, err)
	}
	m.MaxStake, _ = decimal.NewFromString(maxStakeS)
	return &m, nil
}

func scanQuote(row pgx.Row) (*model.Quote, error) {
	var q model.Quote
	var state, stakeS, oddsS, priceS, maxStakeS string
	if err := row.Scan(&q.ID, &q.MarketID, &q.Side, &q.ClientID,
		&stakeS, &oddsS, &priceS, &maxStakeS,
		&state, &q.ExpiresAt, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.State = model.QuoteState(state)
	q.Stake, _ = decimal.NewFromString(stakeS)
	q.Odds, _ = decimal.NewFromString(oddsS)
	q.Price, _ = decimal.NewFromString(priceS)
	q.MaxStake, _ = decimal.NewFromString(maxStakeS)
	return &q, nil
}

func scanQuotes(rows pgx.Rows) ([]model.Quote, error) {
	var quotes []model.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *q)
	}
	return quotes, rows.Err()
}

// mapErr translates pgx errors into store sentinels.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}
