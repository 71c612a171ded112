// Package dex routes trades for graduated tokens to on-chain liquidity. The
// Router asks every configured venue for a quote, takes the best output, and
// executes with a minimum-output guard derived from the caller's slippage
// tolerance. Results use the same TradeResult shape as curve trades.
package dex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// DefaultSlippageBps applies when neither the request nor config sets one.
const DefaultSlippageBps = 100

// ErrNoRoute is returned when no venue can quote the swap.
var ErrNoRoute = errors.New("dex: no venue returned a quote")

// Router quotes and executes swaps across venues.
type Router struct {
	venues      []domain.SwapVenue
	graduations domain.GraduationStore
	trades      domain.TradeStore
	slippageBps int
	logger      *slog.Logger

	bus domain.SignalBus
	now func() time.Time
}

// NewRouter creates a Router. slippageBps is the default tolerance.
func NewRouter(
	graduations domain.GraduationStore,
	trades domain.TradeStore,
	venues []domain.SwapVenue,
	slippageBps int,
	logger *slog.Logger,
) *Router {
	if slippageBps <= 0 {
		slippageBps = DefaultSlippageBps
	}
	return &Router{
		venues:      venues,
		graduations: graduations,
		trades:      trades,
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "dex_router")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetBus enables trade notifications on ch:trade:<token>.
func (r *Router) SetBus(bus domain.SignalBus) { r.bus = bus }

type route struct {
	venue   domain.SwapVenue
	quote   domain.SwapQuote
	address string
	in      float64
}

// Quote returns the best available DEX price for req.
func (r *Router) Quote(ctx context.Context, req domain.TradeRequest) (domain.Quote, error) {
	rt, err := r.best(ctx, req)
	if err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{
		TokenID:      req.TokenID,
		Side:         req.Side,
		Venue:        domain.VenueDEX,
		AmountIn:     rt.in,
		OutputAmount: rt.quote.AmountOut,
		AveragePrice: averagePrice(req.Side, rt.in, rt.quote.AmountOut),
		Fee:          rt.quote.Fee,
		Source:       rt.quote.Source,
	}, nil
}

// Execute swaps req on the best venue. The swap reverts on-chain if it would
// return less than the quoted output minus the slippage tolerance.
func (r *Router) Execute(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	rt, err := r.best(ctx, req)
	if err != nil {
		return domain.TradeResult{}, err
	}

	bps := req.SlippageBps
	if bps <= 0 {
		bps = r.slippageBps
	}
	minOut := MinAmountOut(rt.quote.AmountOut, bps)
	if req.ExpectedPrice > 0 {
		floor := MinAmountOut(expectedOutput(req.Side, rt.in, req.ExpectedPrice), bps)
		if rt.quote.AmountOut < floor {
			return domain.TradeResult{}, domain.NewValidationError(domain.ReasonSlippageExceeded,
				"best DEX output %.6f below limit %.6f", rt.quote.AmountOut, floor)
		}
		minOut = max(minOut, floor)
	}

	log := r.logger.With(
		slog.String("token_id", req.TokenID),
		slog.String("side", string(req.Side)),
		slog.String("venue", rt.venue.Name()),
	)
	swap, err := rt.venue.Swap(ctx, domain.SwapParams{
		TokenAddress: rt.address,
		Side:         req.Side,
		AmountIn:     rt.in,
		MinAmountOut: minOut,
		SlippageBps:  bps,
		FeeTier:      rt.quote.FeeTier,
		Recipient:    req.Trader,
	})
	if err != nil {
		log.ErrorContext(ctx, "dex swap failed", slog.String("error", err.Error()))
		return domain.TradeResult{}, fmt.Errorf("dex: swap on %s: %w", rt.venue.Name(), err)
	}

	price := averagePrice(req.Side, rt.in, swap.AmountOut)
	fees := domain.FeeSplit{TotalFees: rt.quote.Fee, NetAmount: rt.in}
	if req.Side == domain.SideSell {
		fees.NetAmount = swap.AmountOut
	}
	result := domain.TradeResult{
		TradeID:           uuid.New().String(),
		TokenID:           req.TokenID,
		Side:              req.Side,
		Venue:             domain.VenueDEX,
		ExecutedPrice:     price,
		AmountIn:          rt.in,
		TokensOrPromptOut: swap.AmountOut,
		FeesSplit:         fees,
		TxHash:            swap.TxHash,
	}

	rec := domain.TradeRecord{
		ID:        result.TradeID,
		TokenID:   req.TokenID,
		Trader:    req.Trader,
		Side:      req.Side,
		Venue:     domain.VenueDEX,
		Price:     price,
		Fees:      fees,
		TxHash:    swap.TxHash,
		CreatedAt: r.now(),
	}
	if req.Side == domain.SideBuy {
		rec.PromptAmount, rec.TokenAmount = rt.in, swap.AmountOut
	} else {
		rec.PromptAmount, rec.TokenAmount = swap.AmountOut, rt.in
	}
	if err := r.trades.Insert(ctx, rec); err != nil {
		// The swap settled on-chain; losing the record must not fail the trade.
		log.ErrorContext(ctx, "dex trade record failed", slog.String("tx", swap.TxHash), slog.String("error", err.Error()))
	}

	log.InfoContext(ctx, "dex trade executed",
		slog.String("tx", swap.TxHash),
		slog.Float64("amount_in", rt.in),
		slog.Float64("out", swap.AmountOut),
	)
	r.publish(ctx, result)
	return result, nil
}

func (r *Router) best(ctx context.Context, req domain.TradeRequest) (route, error) {
	ev, err := r.graduations.GetByToken(ctx, req.TokenID)
	if err != nil {
		return route{}, fmt.Errorf("dex: graduation for %s: %w", req.TokenID, err)
	}
	if ev.Status != domain.GraduationCompleted || ev.V2ContractAddress == "" {
		return route{}, fmt.Errorf("dex: token %s is %s: %w", req.TokenID, ev.Status, domain.ErrNotEligible)
	}

	in, rej := inputAmount(req)
	if rej != nil {
		return route{}, rej
	}

	params := domain.SwapQuoteParams{TokenAddress: ev.V2ContractAddress, Side: req.Side, AmountIn: in}
	var best route
	for _, v := range r.venues {
		q, err := v.Quote(ctx, params)
		if err != nil {
			r.logger.WarnContext(ctx, "venue quote failed", slog.String("venue", v.Name()), slog.String("error", err.Error()))
			continue
		}
		if q.AmountOut > best.quote.AmountOut {
			best = route{venue: v, quote: q, address: ev.V2ContractAddress, in: in}
		}
	}
	if best.venue == nil {
		return route{}, ErrNoRoute
	}
	return best, nil
}

// inputAmount is the exact-input side of the swap: PROMPT for buys, tokens
// for sells.
func inputAmount(req domain.TradeRequest) (float64, *domain.ValidationError) {
	switch req.Side {
	case domain.SideBuy:
		if req.PromptAmount <= 0 || req.TokenAmount != 0 {
			return 0, domain.NewValidationError(domain.ReasonInvalidAmount, "dex buys need a positive prompt_amount")
		}
		return req.PromptAmount, nil
	case domain.SideSell:
		if req.TokenAmount <= 0 {
			return 0, domain.NewValidationError(domain.ReasonInvalidAmount, "sell needs a positive token_amount")
		}
		return req.TokenAmount, nil
	default:
		return 0, domain.NewValidationError(domain.ReasonInvalidAmount, "unknown side %q", req.Side)
	}
}

// MinAmountOut applies a basis-point tolerance to a quoted output.
func MinAmountOut(quoted float64, slippageBps int) float64 {
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps > 10_000 {
		slippageBps = 10_000
	}
	tol := decimal.NewFromInt(int64(slippageBps)).Div(decimal.NewFromInt(10_000))
	return decimal.NewFromFloat(quoted).Mul(decimal.NewFromInt(1).Sub(tol)).InexactFloat64()
}

// expectedOutput is what the caller expects back at their quoted price, in
// PROMPT per token.
func expectedOutput(side domain.Side, in, price float64) float64 {
	if side == domain.SideSell {
		return in * price
	}
	return in / price
}

func averagePrice(side domain.Side, in, out float64) float64 {
	if in <= 0 || out <= 0 {
		return 0
	}
	if side == domain.SideSell {
		return out / in
	}
	return in / out
}

func (r *Router) publish(ctx context.Context, result domain.TradeResult) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err == nil {
		err = r.bus.Publish(ctx, domain.ChannelTradePrefix+result.TokenID, payload)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "dex trade publish failed", slog.String("error", err.Error()))
	}
}
