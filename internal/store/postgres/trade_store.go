package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, token_id, trader, side, venue, prompt_amount,
	token_amount, price, total_fees, agent_fee, platform_fee, net_amount,
	tokens_sold_after, prompt_raised_after, tx_hash, created_at`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTrade(ctx context.Context, db execer, t domain.TradeRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO trades (`+tradeSelectCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.TokenID, t.Trader, t.Side, t.Venue, t.PromptAmount,
		t.TokenAmount, t.Price, t.Fees.TotalFees, t.Fees.AgentRevenue, t.Fees.PlatformRevenue, t.Fees.NetAmount,
		t.TokensSoldAfter, t.PromptRaisedAfter, t.TxHash, t.CreatedAt,
	)
	return mapErr(err)
}

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		if err := rows.Scan(
			&t.ID, &t.TokenID, &t.Trader, &t.Side, &t.Venue, &t.PromptAmount,
			&t.TokenAmount, &t.Price, &t.Fees.TotalFees, &t.Fees.AgentRevenue, &t.Fees.PlatformRevenue, &t.Fees.NetAmount,
			&t.TokensSoldAfter, &t.PromptRaisedAfter, &t.TxHash, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert writes a trade executed outside the curve (a DEX-routed trade).
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := insertTrade(ctx, s.pool, rec); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", rec.ID, err)
	}
	return nil
}

// ListByToken returns a token's trades newest first with optional time filtering.
func (s *TradeStore) ListByToken(ctx context.Context, tokenID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE token_id = $1`,
		[]any{tokenID}, 2, "created_at", "created_at DESC, id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by token: %w", mapErr(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by token: %w", err)
	}
	return trades, nil
}

// ListBefore returns all trades created strictly before the given time (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE created_at < $1 ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", mapErr(err))
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

var _ domain.TradeStore = (*TradeStore)(nil)
