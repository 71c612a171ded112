// Package risk holds the pre-trade safety checks that run against a locked
// curve snapshot before any state is written.
package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// balanceEpsilon absorbs float noise when a trader sells their full balance.
const balanceEpsilon = 1e-9

// AccountContext is the trader-specific data the validator needs.
type AccountContext struct {
	Balance float64
	Now     time.Time
}

// Verdict is the validator's decision. When IsValid is true Plan holds the
// priced trade the checks were run against.
type Verdict struct {
	IsValid   bool
	Rejection *domain.ValidationError
	Plan      curve.Plan
}

// Err returns the rejection as an error, or nil for a valid trade.
func (v Verdict) Err() error {
	if v.Rejection == nil {
		return nil
	}
	return v.Rejection
}

// Validator decides whether a proposed trade may execute. It never mutates
// state.
type Validator struct {
	logger *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With(slog.String("component", "validator"))}
}

// Validate runs the checks in order and stops at the first failure:
//  1. token not graduated
//  2. MEV lock window (creator only)
//  3. positive, well-formed amount
//  4. slippage against the caller's expected price
//  5. sell-side balance
func (v *Validator) Validate(
	ctx context.Context,
	req domain.TradeRequest,
	cfg domain.CurveConfig,
	state domain.CurveState,
	acct AccountContext,
) Verdict {
	if state.Graduated {
		return v.reject(ctx, req, domain.NewValidationError(domain.ReasonAlreadyGraduated,
			"token %s has graduated; route the trade to the DEX", req.TokenID))
	}

	now := acct.Now
	if now.IsZero() {
		now = time.Now()
	}
	if cfg.TradingLocked(now) && !cfg.IsCreator(req.Trader) {
		return v.reject(ctx, req, domain.NewValidationError(domain.ReasonTradingLocked,
			"only the creator may trade until %s", cfg.TradeLockUntil.UTC().Format(time.RFC3339)))
	}

	if rej := checkAmount(req); rej != nil {
		return v.reject(ctx, req, rej)
	}

	c := curve.New(cfg)
	plan := c.PriceTrade(state.TokensSold, req)
	if plan.TokenAmount <= 0 {
		if req.Side == domain.SideBuy && state.TokensSold >= cfg.CurveSupply {
			return v.reject(ctx, req, domain.NewValidationError(domain.ReasonCurveExhausted,
				"no tokens left on the curve"))
		}
		return v.reject(ctx, req, domain.NewValidationError(domain.ReasonInvalidAmount,
			"amount is too small to trade a whole token"))
	}

	if req.ExpectedPrice > 0 {
		tol := float64(req.SlippageBps) / 10_000
		switch req.Side {
		case domain.SideBuy:
			if limit := req.ExpectedPrice * (1 + tol); plan.AveragePrice > limit {
				return v.reject(ctx, req, domain.NewValidationError(domain.ReasonSlippageExceeded,
					"average price %.12g above limit %.12g", plan.AveragePrice, limit))
			}
		case domain.SideSell:
			if limit := req.ExpectedPrice * (1 - tol); plan.AveragePrice < limit {
				return v.reject(ctx, req, domain.NewValidationError(domain.ReasonSlippageExceeded,
					"average price %.12g below limit %.12g", plan.AveragePrice, limit))
			}
		}
	}

	if req.Side == domain.SideSell && req.TokenAmount > acct.Balance+balanceEpsilon {
		return v.reject(ctx, req, domain.NewValidationError(domain.ReasonInsufficientBalance,
			"selling %.6f but balance is %.6f", req.TokenAmount, acct.Balance))
	}

	return Verdict{IsValid: true, Plan: plan}
}

func checkAmount(req domain.TradeRequest) *domain.ValidationError {
	if !req.Side.Valid() {
		return domain.NewValidationError(domain.ReasonInvalidAmount, "unknown side %q", req.Side)
	}
	if req.SlippageBps < 0 || req.SlippageBps > 10_000 {
		return domain.NewValidationError(domain.ReasonInvalidAmount, "slippage_bps must be within 0-10000")
	}
	if bad(req.PromptAmount) || bad(req.TokenAmount) || bad(req.ExpectedPrice) {
		return domain.NewValidationError(domain.ReasonInvalidAmount, "amounts must be finite and non-negative")
	}
	switch req.Side {
	case domain.SideBuy:
		if (req.PromptAmount > 0) == (req.TokenAmount > 0) {
			return domain.NewValidationError(domain.ReasonInvalidAmount, "buy needs exactly one of prompt_amount or token_amount")
		}
	case domain.SideSell:
		if req.TokenAmount <= 0 || req.PromptAmount != 0 {
			return domain.NewValidationError(domain.ReasonInvalidAmount, "sell needs a positive token_amount")
		}
	}
	return nil
}

func bad(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

func (v *Validator) reject(ctx context.Context, req domain.TradeRequest, rej *domain.ValidationError) Verdict {
	v.logger.WarnContext(ctx, "trade rejected",
		slog.String("token_id", req.TokenID),
		slog.String("trader", req.Trader),
		slog.String("side", string(req.Side)),
		slog.String("reason", string(rej.Reason)),
		slog.String("detail", rej.Message),
	)
	return Verdict{Rejection: rej}
}
