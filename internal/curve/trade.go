package curve

import (
	"math"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// Plan is a fully priced curve trade. For buys PromptIn is what the trader
// pays including fees and TokensOut what they receive; for sells TokensIn is
// burned and PromptOut is paid after fees.
type Plan struct {
	Side          domain.Side
	TokenAmount   float64
	CurveAmount   float64
	AveragePrice  float64
	PriceImpact   float64
	Fees          domain.FeeSplit
	Refund        float64
	NewTokensSold float64
	NewRaised     float64
}

// Output is what the trader receives: tokens on a buy, PROMPT on a sell.
func (p Plan) Output() float64 {
	if p.Side == domain.SideSell {
		return p.Fees.NetAmount
	}
	return p.TokenAmount
}

// Input is what the trader gives up: PROMPT on a buy, tokens on a sell.
func (p Plan) Input() float64 {
	if p.Side == domain.SideSell {
		return p.TokenAmount
	}
	return p.Fees.NetAmount
}

// PriceTrade prices req against tokensSold. A buy funded by PromptAmount
// treats it as a budget that must also cover fees, so the curve receives
// budget/(1+feeRate) and the unspent remainder is refunded.
func (c Curve) PriceTrade(tokensSold float64, req domain.TradeRequest) Plan {
	switch req.Side {
	case domain.SideSell:
		sell := c.SellReturn(tokensSold, req.TokenAmount)
		fees := c.Fees(sell.Return, domain.SideSell)
		return Plan{
			Side:          domain.SideSell,
			TokenAmount:   sell.TokenAmount,
			CurveAmount:   sell.Return,
			AveragePrice:  sell.AveragePrice,
			PriceImpact:   sell.PriceImpact,
			Fees:          fees,
			NewTokensSold: sell.NewTokensSold,
			NewRaised:     c.PromptRaisedFromTokensSold(sell.NewTokensSold),
		}
	default:
		var buy BuyResult
		var refund float64
		if req.TokenAmount > 0 {
			buy = c.BuyCost(tokensSold, req.TokenAmount)
		} else {
			budget := clampNonNegative(req.PromptAmount)
			spendable := budget / (1 + c.FeeRate())
			fromPrompt := c.TokensFromPrompt(tokensSold, spendable)
			buy = c.BuyCost(tokensSold, fromPrompt.TokenAmount)
			refund = clampNonNegative(budget - buy.Cost*(1+c.FeeRate()))
		}
		fees := c.Fees(buy.Cost, domain.SideBuy)
		return Plan{
			Side:          domain.SideBuy,
			TokenAmount:   buy.TokenAmount,
			CurveAmount:   buy.Cost,
			AveragePrice:  buy.AveragePrice,
			PriceImpact:   buy.PriceImpact,
			Fees:          fees,
			Refund:        refund,
			NewTokensSold: buy.NewTokensSold,
			NewRaised:     c.PromptRaisedFromTokensSold(buy.NewTokensSold),
		}
	}
}

// CheckInvariant reports whether state.PromptRaised matches the integral of
// the curve up to state.TokensSold within a relative tolerance.
func (c Curve) CheckInvariant(state domain.CurveState) bool {
	if state.TokensSold < 0 || state.TokensSold > c.cfg.CurveSupply*(1+1e-12) {
		return false
	}
	want := c.PromptRaisedFromTokensSold(state.TokensSold)
	tol := math.Max(1e-9, math.Abs(want)*1e-9)
	return math.Abs(want-state.PromptRaised) <= tol
}
