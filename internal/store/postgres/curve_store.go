package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// DefaultLockTimeout bounds how long a trade waits for the curve row lock
// before giving up with a transient error.
const DefaultLockTimeout = 5 * time.Second

// CurveStore implements domain.CurveStore using PostgreSQL. ApplyTrade holds
// a FOR UPDATE lock on the token's curve_states row for the whole trade.
type CurveStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewCurveStore creates a new CurveStore backed by the given connection pool.
func NewCurveStore(pool *pgxpool.Pool) *CurveStore {
	return &CurveStore{pool: pool, lockTimeout: DefaultLockTimeout}
}

// SetLockTimeout overrides DefaultLockTimeout. Zero waits indefinitely.
func (s *CurveStore) SetLockTimeout(d time.Duration) {
	s.lockTimeout = d
}

const curveConfigCols = `token_id, name, symbol, creator, p0, p1, curve_supply,
	lp_reserve, platform_allocation, total_supply, graduation_mode,
	graduation_prompt_threshold, target_market_cap_usd, prompt_usd_rate_at_creation,
	trading_fee_bps, agent_fee_bps, platform_fee_bps, trade_lock_until, created_at`

const curveStateCols = `token_id, tokens_sold, prompt_raised, graduated,
	agent_fees_accrued, platform_fees_accrued, trade_count, threshold_crossed, updated_at`

func scanCurveConfig(row pgx.Row) (domain.CurveConfig, error) {
	var c domain.CurveConfig
	err := row.Scan(
		&c.TokenID, &c.Name, &c.Symbol, &c.Creator, &c.P0, &c.P1, &c.CurveSupply,
		&c.LpReserve, &c.PlatformAllocation, &c.TotalSupply, &c.GraduationMode,
		&c.GraduationPromptThreshold, &c.TargetMarketCapUSD, &c.PromptUSDRateAtCreation,
		&c.TradingFeeBps, &c.AgentFeeBps, &c.PlatformFeeBps, &c.TradeLockUntil, &c.CreatedAt,
	)
	return c, err
}

func scanCurveState(row pgx.Row) (domain.CurveState, error) {
	var st domain.CurveState
	err := row.Scan(
		&st.TokenID, &st.TokensSold, &st.PromptRaised, &st.Graduated,
		&st.AgentFeesAccrued, &st.PlatformFeesAccrued, &st.TradeCount, &st.ThresholdCrossed, &st.UpdatedAt,
	)
	return st, err
}

// CreateToken inserts the config and its zero state in one transaction.
func (s *CurveStore) CreateToken(ctx context.Context, cfg domain.CurveConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO curve_configs (`+curveConfigCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			cfg.TokenID, cfg.Name, cfg.Symbol, cfg.Creator, cfg.P0, cfg.P1, cfg.CurveSupply,
			cfg.LpReserve, cfg.PlatformAllocation, cfg.TotalSupply, cfg.GraduationMode,
			cfg.GraduationPromptThreshold, cfg.TargetMarketCapUSD, cfg.PromptUSDRateAtCreation,
			cfg.TradingFeeBps, cfg.AgentFeeBps, cfg.PlatformFeeBps, cfg.TradeLockUntil, cfg.CreatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO curve_states (token_id, updated_at) VALUES ($1, $2)`,
			cfg.TokenID, cfg.CreatedAt)
		return mapErr(err)
	})
	if err != nil {
		return fmt.Errorf("postgres: create token %s: %w", cfg.TokenID, err)
	}
	return nil
}

func (s *CurveStore) GetConfig(ctx context.Context, tokenID string) (domain.CurveConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+curveConfigCols+` FROM curve_configs WHERE token_id = $1`, tokenID)
	cfg, err := scanCurveConfig(row)
	if err != nil {
		return domain.CurveConfig{}, fmt.Errorf("postgres: get curve config %s: %w", tokenID, mapErr(err))
	}
	return cfg, nil
}

func (s *CurveStore) GetState(ctx context.Context, tokenID string) (domain.CurveState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+curveStateCols+` FROM curve_states WHERE token_id = $1`, tokenID)
	st, err := scanCurveState(row)
	if err != nil {
		return domain.CurveState{}, fmt.Errorf("postgres: get curve state %s: %w", tokenID, mapErr(err))
	}
	return st, nil
}

// GetBalance returns the trader's balance, zero if they never traded and
// ErrNotFound if the token does not exist.
func (s *CurveStore) GetBalance(ctx context.Context, tokenID, trader string) (float64, error) {
	var (
		exists  bool
		balance float64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM curve_configs WHERE token_id = $1),
		       COALESCE((SELECT balance FROM token_balances WHERE token_id = $1 AND trader = $2), 0)`,
		tokenID, trader,
	).Scan(&exists, &balance)
	if err != nil {
		return 0, fmt.Errorf("postgres: get balance %s/%s: %w", tokenID, trader, mapErr(err))
	}
	if !exists {
		return 0, fmt.Errorf("postgres: get balance %s: %w", tokenID, domain.ErrNotFound)
	}
	return balance, nil
}

// ListTokens returns configs newest first.
func (s *CurveStore) ListTokens(ctx context.Context, opts domain.ListOpts) ([]domain.CurveConfig, error) {
	query, args := listQuery(`SELECT `+curveConfigCols+` FROM curve_configs WHERE 1=1`,
		nil, 1, "created_at", "created_at DESC, token_id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tokens: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.CurveConfig
	for rows.Next() {
		cfg, err := scanCurveConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// ApplyTrade locks the curve state row and the trader's balance row, runs fn
// against the locked snapshot and writes the state, balance, trade record
// and fee distribution before committing. Errors returned by fn abort the
// transaction and come back unchanged.
func (s *CurveStore) ApplyTrade(ctx context.Context, tokenID, trader string, fn domain.ApplyTradeFunc) (domain.TradeMutation, error) {
	var mut domain.TradeMutation
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			// SET does not take bind parameters.
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return mapErr(err)
			}
		}

		cfg, err := scanCurveConfig(tx.QueryRow(ctx,
			`SELECT `+curveConfigCols+` FROM curve_configs WHERE token_id = $1`, tokenID))
		if err != nil {
			return mapErr(err)
		}
		state, err := scanCurveState(tx.QueryRow(ctx,
			`SELECT `+curveStateCols+` FROM curve_states WHERE token_id = $1 FOR UPDATE`, tokenID))
		if err != nil {
			return mapErr(err)
		}

		var balance float64
		err = tx.QueryRow(ctx,
			`SELECT balance FROM token_balances WHERE token_id = $1 AND trader = $2 FOR UPDATE`,
			tokenID, trader).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return mapErr(err)
		}

		mut, err = fn(cfg, state, balance)
		if err != nil {
			return err
		}
		return writeMutation(ctx, tx, tokenID, trader, mut)
	})
	if err != nil {
		return domain.TradeMutation{}, err
	}
	return mut, nil
}

func writeMutation(ctx context.Context, tx pgx.Tx, tokenID, trader string, mut domain.TradeMutation) error {
	st := mut.State
	_, err := tx.Exec(ctx, `
		UPDATE curve_states SET
			tokens_sold = $2, prompt_raised = $3, graduated = $4,
			agent_fees_accrued = $5, platform_fees_accrued = $6,
			trade_count = $7, threshold_crossed = $8, updated_at = $9
		WHERE token_id = $1`,
		tokenID, st.TokensSold, st.PromptRaised, st.Graduated,
		st.AgentFeesAccrued, st.PlatformFeesAccrued, st.TradeCount, st.ThresholdCrossed, st.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO token_balances (token_id, trader, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_id, trader) DO UPDATE SET
			balance = token_balances.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`,
		tokenID, trader, mut.BalanceDelta, st.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}

	if err := insertTrade(ctx, tx, mut.Record); err != nil {
		return err
	}

	fees := mut.Record.Fees
	if fees.AgentRevenue > 0 || fees.PlatformRevenue > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO fee_distributions (trade_id, token_id, agent_amount, platform_amount, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			mut.Record.ID, tokenID, fees.AgentRevenue, fees.PlatformRevenue, mut.Record.CreatedAt,
		)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// MarkGraduated sets the graduated flag. The row lock makes it wait for any
// in-flight trade on the token.
func (s *CurveStore) MarkGraduated(ctx context.Context, tokenID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE curve_states SET graduated = TRUE, threshold_crossed = TRUE, updated_at = NOW() WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("postgres: mark graduated %s: %w", tokenID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark graduated %s: %w", tokenID, domain.ErrNotFound)
	}
	return nil
}

var _ domain.CurveStore = (*CurveStore)(nil)
