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

// GraduationStore implements domain.GraduationStore using PostgreSQL.
// Transitions are conditional updates on the current status.
type GraduationStore struct {
	pool *pgxpool.Pool
}

// NewGraduationStore creates a new GraduationStore backed by the given connection pool.
func NewGraduationStore(pool *pgxpool.Pool) *GraduationStore {
	return &GraduationStore{pool: pool}
}

const graduationCols = `id, token_id, status, prompt_raised_at_graduation,
	v2_contract_address, deploy_tx_hash, liquidity_pool_address, liquidity_tx_hash,
	lp_lock_tx_hash, lp_unlock_at, pool_prompt_amount, pool_token_amount,
	platform_revenue, error_message, attempts, created_at, updated_at, completed_at`

const transitionCols = `id, event_id, token_id, from_status, to_status, detail, created_at`

func scanGraduation(row pgx.Row) (domain.GraduationEvent, error) {
	var ev domain.GraduationEvent
	err := row.Scan(
		&ev.ID, &ev.TokenID, &ev.Status, &ev.PromptRaisedAtGraduation,
		&ev.V2ContractAddress, &ev.DeployTxHash, &ev.LiquidityPoolAddress, &ev.LiquidityTxHash,
		&ev.LPLockTxHash, &ev.LPUnlockAt, &ev.PoolPromptAmount, &ev.PoolTokenAmount,
		&ev.PlatformRevenue, &ev.ErrorMessage, &ev.Attempts, &ev.CreatedAt, &ev.UpdatedAt, &ev.CompletedAt,
	)
	return ev, err
}

func scanTransitionRows(rows pgx.Rows) ([]domain.GraduationTransition, error) {
	var out []domain.GraduationTransition
	for rows.Next() {
		var t domain.GraduationTransition
		if err := rows.Scan(&t.ID, &t.EventID, &t.TokenID, &t.From, &t.To, &t.Detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateIfAbsent inserts ev unless the token already has an event. The
// unique token_id constraint decides races between concurrent callers.
func (s *GraduationStore) CreateIfAbsent(ctx context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, bool, error) {
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now

	row := s.pool.QueryRow(ctx, `
		INSERT INTO graduation_events (`+graduationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (token_id) DO NOTHING
		RETURNING `+graduationCols,
		ev.ID, ev.TokenID, ev.Status, ev.PromptRaisedAtGraduation,
		ev.V2ContractAddress, ev.DeployTxHash, ev.LiquidityPoolAddress, ev.LiquidityTxHash,
		ev.LPLockTxHash, ev.LPUnlockAt, ev.PoolPromptAmount, ev.PoolTokenAmount,
		ev.PlatformRevenue, ev.ErrorMessage, ev.Attempts, ev.CreatedAt, ev.UpdatedAt, ev.CompletedAt,
	)
	stored, err := scanGraduation(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.GraduationEvent{}, false, fmt.Errorf("postgres: create graduation %s: %w", ev.TokenID, mapErr(err))
	}

	existing, err := s.GetByToken(ctx, ev.TokenID)
	if err != nil {
		return domain.GraduationEvent{}, false, err
	}
	return existing, false, nil
}

func (s *GraduationStore) GetByID(ctx context.Context, id string) (domain.GraduationEvent, error) {
	ev, err := scanGraduation(s.pool.QueryRow(ctx,
		`SELECT `+graduationCols+` FROM graduation_events WHERE id = $1`, id))
	if err != nil {
		return domain.GraduationEvent{}, fmt.Errorf("postgres: get graduation %s: %w", id, mapErr(err))
	}
	return ev, nil
}

func (s *GraduationStore) GetByToken(ctx context.Context, tokenID string) (domain.GraduationEvent, error) {
	ev, err := scanGraduation(s.pool.QueryRow(ctx,
		`SELECT `+graduationCols+` FROM graduation_events WHERE token_id = $1`, tokenID))
	if err != nil {
		return domain.GraduationEvent{}, fmt.Errorf("postgres: get graduation for token %s: %w", tokenID, mapErr(err))
	}
	return ev, nil
}

// ListByStatus returns events in any of statuses, least recently updated first.
func (s *GraduationStore) ListByStatus(ctx context.Context, statuses []domain.GraduationStatus, opts domain.ListOpts) ([]domain.GraduationEvent, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	query, args := listQuery(`SELECT `+graduationCols+` FROM graduation_events WHERE status = ANY($1)`,
		[]any{names}, 2, "updated_at", "updated_at ASC, id", opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list graduations by status: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.GraduationEvent
	for rows.Next() {
		ev, err := scanGraduation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan graduation: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Transition writes ev at status to only while the row is still at from, and
// logs the transition in the same transaction. On a status mismatch the
// stored event is returned with ErrStaleStatus.
func (s *GraduationStore) Transition(ctx context.Context, ev domain.GraduationEvent, from, to domain.GraduationStatus, detail string) (domain.GraduationEvent, error) {
	if !domain.CanTransition(from, to) {
		return domain.GraduationEvent{}, fmt.Errorf("%w: graduation %s -> %s", domain.ErrInvariantViolation, from, to)
	}

	var stored domain.GraduationEvent
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		stored, err = scanGraduation(tx.QueryRow(ctx, `
			UPDATE graduation_events SET
				status = $3,
				v2_contract_address = $4, deploy_tx_hash = $5,
				liquidity_pool_address = $6, liquidity_tx_hash = $7,
				lp_lock_tx_hash = $8, lp_unlock_at = $9,
				pool_prompt_amount = $10, pool_token_amount = $11, platform_revenue = $12,
				error_message = $13, attempts = $14,
				updated_at = NOW(),
				completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END
			WHERE id = $1 AND status = $2
			RETURNING `+graduationCols,
			ev.ID, from, to,
			ev.V2ContractAddress, ev.DeployTxHash,
			ev.LiquidityPoolAddress, ev.LiquidityTxHash,
			ev.LPLockTxHash, ev.LPUnlockAt,
			ev.PoolPromptAmount, ev.PoolTokenAmount, ev.PlatformRevenue,
			ev.ErrorMessage, ev.Attempts,
		))
		if err != nil {
			return mapErr(err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO graduation_transitions (event_id, token_id, from_status, to_status, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			stored.ID, stored.TokenID, from, to, detail, stored.UpdatedAt,
		)
		return mapErr(err)
	})
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.GraduationEvent{}, fmt.Errorf("postgres: transition graduation %s: %w", ev.ID, err)
	}

	// No row matched: either the event is gone or its status moved on.
	cur, getErr := s.GetByID(ctx, ev.ID)
	if getErr != nil {
		return domain.GraduationEvent{}, getErr
	}
	return cur, domain.ErrStaleStatus
}

// RecordDeployTx stores the hash outside the transition log; the hash is
// progress within contract_deploying, not a status change.
func (s *GraduationStore) RecordDeployTx(ctx context.Context, eventID, txHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE graduation_events SET deploy_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'contract_deploying'`, eventID, txHash)
	if err != nil {
		return fmt.Errorf("postgres: record deploy tx %s: %w", eventID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, eventID); err != nil {
			return err
		}
		return domain.ErrStaleStatus
	}
	return nil
}

// ListTransitions returns the event's transition log in write order.
func (s *GraduationStore) ListTransitions(ctx context.Context, eventID string) ([]domain.GraduationTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionCols+` FROM graduation_transitions WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions %s: %w", eventID, mapErr(err))
	}
	defer rows.Close()
	return scanTransitionRows(rows)
}

func (s *GraduationStore) ListTransitionsBefore(ctx context.Context, before time.Time) ([]domain.GraduationTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transitionCols+` FROM graduation_transitions WHERE created_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions before: %w", mapErr(err))
	}
	defer rows.Close()
	return scanTransitionRows(rows)
}

var _ domain.GraduationStore = (*GraduationStore)(nil)
