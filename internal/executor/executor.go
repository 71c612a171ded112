// Package executor applies validated curve trades. Every trade on a token is
// serialized through CurveStore.ApplyTrade, priced and checked against the
// locked snapshot, and committed as one unit. A commit that crosses the
// graduation threshold records the graduation event and hands it to the
// graduation trigger.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/risk"
)

// GraduationTrigger starts the graduation state machine for an event. It must
// return quickly; the machine runs elsewhere.
type GraduationTrigger interface {
	Enqueue(ctx context.Context, tokenID, eventID string) error
}

const defaultMaxAttempts = 3

// Executor runs curve trades.
type Executor struct {
	curves      domain.CurveStore
	graduations domain.GraduationStore
	validator   *risk.Validator
	logger      *slog.Logger

	trigger GraduationTrigger
	bus     domain.SignalBus
	cache   domain.CurveStateCache
	audit   domain.AuditStore

	maxAttempts uint
	now         func() time.Time
}

// NewExecutor creates an Executor. The trigger, bus, cache and audit
// collaborators are optional and set with the Set* methods.
func NewExecutor(
	curves domain.CurveStore,
	graduations domain.GraduationStore,
	validator *risk.Validator,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		curves:      curves,
		graduations: graduations,
		validator:   validator,
		logger:      logger.With(slog.String("component", "executor")),
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetTrigger wires the graduation trigger fired on threshold crossings.
func (e *Executor) SetTrigger(t GraduationTrigger) { e.trigger = t }

// SetBus enables trade notifications on ch:trade:<token>.
func (e *Executor) SetBus(bus domain.SignalBus) { e.bus = bus }

// SetCache enables write-through of committed curve state.
func (e *Executor) SetCache(c domain.CurveStateCache) { e.cache = c }

// SetAudit enables audit rows for executed and rejected trades.
func (e *Executor) SetAudit(a domain.AuditStore) { e.audit = a }

// SetMaxAttempts bounds retries of transient store failures.
func (e *Executor) SetMaxAttempts(n uint) {
	if n > 0 {
		e.maxAttempts = n
	}
}

// Execute validates and applies req. Rejections come back as
// *domain.ValidationError and leave no trace in the curve state.
func (e *Executor) Execute(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	log := e.logger.With(
		slog.String("token_id", req.TokenID),
		slog.String("trader", req.Trader),
		slog.String("side", string(req.Side)),
	)

	var (
		cfg  domain.CurveConfig
		plan curve.Plan
	)
	apply := func(c domain.CurveConfig, state domain.CurveState, balance float64) (domain.TradeMutation, error) {
		cfg = c
		model := curve.New(c)
		if !model.CheckInvariant(state) {
			return domain.TradeMutation{}, fmt.Errorf("%w: token %s has tokens_sold=%.6f prompt_raised=%.6f",
				domain.ErrInvariantViolation, state.TokenID, state.TokensSold, state.PromptRaised)
		}

		now := e.now()
		verdict := e.validator.Validate(ctx, req, c, state, risk.AccountContext{Balance: balance, Now: now})
		if !verdict.IsValid {
			return domain.TradeMutation{}, verdict.Err()
		}
		plan = verdict.Plan
		return buildMutation(req, state, plan, model, now)
	}

	op := func() (domain.TradeMutation, error) {
		mut, err := e.curves.ApplyTrade(ctx, req.TokenID, req.Trader, apply)
		if err != nil && !errors.Is(err, domain.ErrTransient) {
			return mut, backoff.Permanent(err)
		}
		return mut, err
	}
	mut, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("trade apply retrying", slog.String("error", err.Error()), slog.Duration("backoff", d))
		}),
	)
	if err != nil {
		var rej *domain.ValidationError
		if errors.As(err, &rej) {
			e.auditLog(ctx, "trade.rejected", map[string]any{
				"token_id": req.TokenID,
				"trader":   req.Trader,
				"side":     string(req.Side),
				"reason":   string(rej.Reason),
			})
			return domain.TradeResult{}, rej
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			log.Error("curve invariant violated", slog.String("error", err.Error()))
		}
		return domain.TradeResult{}, fmt.Errorf("executor: apply trade %s: %w", req.TokenID, err)
	}

	model := curve.New(cfg)
	crossed := model.Crossed(mut.Prev, mut.State.PromptRaised)
	state := mut.State
	result := domain.TradeResult{
		TradeID:           mut.Record.ID,
		TokenID:           req.TokenID,
		Side:              plan.Side,
		Venue:             domain.VenueCurve,
		ExecutedPrice:     plan.AveragePrice,
		AmountIn:          plan.Input(),
		TokensOrPromptOut: plan.Output(),
		RefundedPrompt:    plan.Refund,
		PriceImpact:       plan.PriceImpact,
		NewCurveState:     &state,
		FeesSplit:         plan.Fees,
		GraduationCrossed: crossed,
	}

	log.Info("trade executed",
		slog.String("trade_id", result.TradeID),
		slog.Float64("amount_in", result.AmountIn),
		slog.Float64("out", result.TokensOrPromptOut),
		slog.Float64("avg_price", result.ExecutedPrice),
		slog.Float64("prompt_raised", state.PromptRaised),
		slog.Bool("graduation_crossed", crossed),
	)

	// Post-commit work must not be lost to a caller hanging up.
	bg := context.WithoutCancel(ctx)
	if crossed {
		e.startGraduation(bg, state)
	}
	e.afterCommit(bg, result)
	return result, nil
}

// Quote prices req against the current state without locking or writing.
func (e *Executor) Quote(ctx context.Context, req domain.TradeRequest) (domain.Quote, error) {
	cfg, err := e.curves.GetConfig(ctx, req.TokenID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("executor: quote config %s: %w", req.TokenID, err)
	}
	state, err := e.curves.GetState(ctx, req.TokenID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("executor: quote state %s: %w", req.TokenID, err)
	}

	// Quotes are balance-agnostic.
	acct := risk.AccountContext{Balance: math.MaxFloat64, Now: e.now()}
	verdict := e.validator.Validate(ctx, req, cfg, state, acct)
	if !verdict.IsValid {
		return domain.Quote{}, verdict.Rejection
	}
	p := verdict.Plan
	return domain.Quote{
		TokenID:      req.TokenID,
		Side:         p.Side,
		Venue:        domain.VenueCurve,
		AmountIn:     p.Input(),
		OutputAmount: p.Output(),
		AveragePrice: p.AveragePrice,
		PriceImpact:  p.PriceImpact,
		Fee:          p.Fees.TotalFees,
		Source:       "bonding_curve",
	}, nil
}

func buildMutation(req domain.TradeRequest, state domain.CurveState, plan curve.Plan, model curve.Curve, now time.Time) (domain.TradeMutation, error) {
	next := state
	next.TokensSold = plan.NewTokensSold
	next.PromptRaised = plan.NewRaised
	next.ThresholdCrossed = state.ThresholdCrossed || model.IsGraduated(plan.NewRaised)
	next.AgentFeesAccrued += plan.Fees.AgentRevenue
	next.PlatformFeesAccrued += plan.Fees.PlatformRevenue
	next.TradeCount++
	next.UpdatedAt = now

	delta := plan.TokenAmount
	if plan.Side == domain.SideSell {
		delta = -delta
	}

	return domain.TradeMutation{
		Prev:         state,
		State:        next,
		BalanceDelta: delta,
		Record: domain.TradeRecord{
			ID:                uuid.New().String(),
			TokenID:           req.TokenID,
			Trader:            req.Trader,
			Side:              plan.Side,
			Venue:             domain.VenueCurve,
			PromptAmount:      plan.CurveAmount,
			TokenAmount:       plan.TokenAmount,
			Price:             plan.AveragePrice,
			Fees:              plan.Fees,
			TokensSoldAfter:   next.TokensSold,
			PromptRaisedAfter: next.PromptRaised,
			CreatedAt:         now,
		},
	}, nil
}

// startGraduation records the graduation event with the raise frozen at the
// crossing commit and enqueues it. Failures are logged; the worker's recovery
// sweep picks up tokens that crossed without a running graduation.
func (e *Executor) startGraduation(ctx context.Context, state domain.CurveState) {
	log := e.logger.With(slog.String("token_id", state.TokenID))
	if e.graduations == nil {
		log.Warn("graduation threshold crossed but no graduation store configured")
		return
	}

	ev, created, err := e.graduations.CreateIfAbsent(ctx, domain.GraduationEvent{
		ID:                       uuid.New().String(),
		TokenID:                  state.TokenID,
		Status:                   domain.GraduationInitiated,
		PromptRaisedAtGraduation: state.PromptRaised,
	})
	if err != nil {
		log.Error("graduation event create failed", slog.String("error", err.Error()))
		return
	}
	if !created {
		log.Info("graduation event already exists", slog.String("event_id", ev.ID), slog.String("status", string(ev.Status)))
		return
	}
	log.Info("graduation initiated",
		slog.String("event_id", ev.ID),
		slog.Float64("prompt_raised", ev.PromptRaisedAtGraduation),
	)
	e.auditLog(ctx, "graduation.initiated", map[string]any{
		"token_id":      state.TokenID,
		"event_id":      ev.ID,
		"prompt_raised": ev.PromptRaisedAtGraduation,
	})

	if e.trigger == nil {
		return
	}
	if err := e.trigger.Enqueue(ctx, state.TokenID, ev.ID); err != nil {
		log.Error("graduation enqueue failed", slog.String("event_id", ev.ID), slog.String("error", err.Error()))
	}
}

func (e *Executor) afterCommit(ctx context.Context, result domain.TradeResult) {
	if e.cache != nil && result.NewCurveState != nil {
		if err := e.cache.Set(ctx, *result.NewCurveState); err != nil {
			e.logger.Warn("curve cache update failed", slog.String("token_id", result.TokenID), slog.String("error", err.Error()))
		}
	}
	if e.bus != nil {
		payload, err := json.Marshal(result)
		if err == nil {
			err = e.bus.Publish(ctx, domain.ChannelTradePrefix+result.TokenID, payload)
		}
		if err != nil {
			e.logger.Warn("trade publish failed", slog.String("token_id", result.TokenID), slog.String("error", err.Error()))
		}
	}
	e.auditLog(ctx, "trade.executed", map[string]any{
		"trade_id": result.TradeID,
		"token_id": result.TokenID,
		"side":     string(result.Side),
		"amount":   result.AmountIn,
		"price":    result.ExecutedPrice,
	})
}

func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
