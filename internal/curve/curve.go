// Package curve implements the linear bonding curve used to price agent
// tokens against PROMPT. Every function is pure and total: inputs outside the
// valid domain are clamped rather than rejected, and nothing here performs I/O.
//
// Price grows linearly with tokens sold:
//
//	price(s)  = p0 + slope*s,  slope = (p1-p0)/curveSupply
//	raised(s) = p0*s + slope*s^2/2
package curve

import (
	"math"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// graduationTolerance absorbs float error when comparing raised PROMPT to the
// threshold. Buying out the whole V7 curve lands a few ulps under 42000.
const graduationTolerance = 1e-9

// Curve evaluates the bonding curve described by a CurveConfig.
type Curve struct {
	cfg   domain.CurveConfig
	slope float64
}

// New returns a Curve for cfg.
func New(cfg domain.CurveConfig) Curve {
	return Curve{cfg: cfg, slope: cfg.Slope()}
}

// Config returns the underlying configuration.
func (c Curve) Config() domain.CurveConfig {
	return c.cfg
}

// Slope returns the price increase per token.
func (c Curve) Slope() float64 {
	return c.slope
}

// ClampSupply forces s into [0, curveSupply].
func (c Curve) ClampSupply(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > c.cfg.CurveSupply {
		return c.cfg.CurveSupply
	}
	return s
}

// PriceAtSupply is the instantaneous price after tokensSold tokens.
func (c Curve) PriceAtSupply(tokensSold float64) float64 {
	return c.cfg.P0 + c.slope*c.ClampSupply(tokensSold)
}

// PromptRaisedFromTokensSold is the integral of price from 0 to tokensSold.
func (c Curve) PromptRaisedFromTokensSold(tokensSold float64) float64 {
	s := c.ClampSupply(tokensSold)
	return c.cfg.P0*s + c.slope*s*s/2
}

// TokensSoldFromPromptRaised inverts PromptRaisedFromTokensSold.
func (c Curve) TokensSoldFromPromptRaised(promptRaised float64) float64 {
	return c.ClampSupply(solveQuadratic(c.slope/2, c.cfg.P0, promptRaised))
}

// solveQuadratic returns the non-negative root of a*x^2 + b*x - k = 0 for
// b >= 0. It uses 2k/(b+sqrt(b^2+4ak)), which avoids the cancellation of the
// textbook form when b^2 dominates 4ak.
func solveQuadratic(a, b, k float64) float64 {
	if math.IsNaN(k) || k <= 0 {
		return 0
	}
	if a <= 0 {
		if b <= 0 {
			return 0
		}
		return k / b
	}
	disc := b*b + 4*a*k
	if disc < 0 {
		return 0
	}
	denom := b + math.Sqrt(disc)
	if denom <= 0 {
		return 0
	}
	return 2 * k / denom
}

// BuyResult is the outcome of buying tokens off the curve, before fees.
type BuyResult struct {
	TokenAmount   float64
	Cost          float64
	AveragePrice  float64
	NewTokensSold float64
	PriceImpact   float64
}

// BuyCost prices a buy of tokenAmount starting at currentTokensSold. The
// amount is clamped to what is left on the curve.
func (c Curve) BuyCost(currentTokensSold, tokenAmount float64) BuyResult {
	start := c.ClampSupply(currentTokensSold)
	amount := clampNonNegative(tokenAmount)
	if remaining := c.cfg.CurveSupply - start; amount > remaining {
		amount = remaining
	}
	end := c.ClampSupply(start + amount)
	cost := c.segmentCost(start, end)

	res := BuyResult{
		TokenAmount:   end - start,
		Cost:          cost,
		NewTokensSold: end,
		PriceImpact:   c.priceImpact(start, end),
	}
	if res.TokenAmount > 0 {
		res.AveragePrice = cost / res.TokenAmount
	}
	return res
}

// SellResult is the outcome of selling tokens back to the curve, before fees.
type SellResult struct {
	TokenAmount   float64
	Return        float64
	AveragePrice  float64
	NewTokensSold float64
	PriceImpact   float64
}

// SellReturn prices a sale of tokenAmount starting at currentTokensSold. The
// amount is clamped so supply never goes negative.
func (c Curve) SellReturn(currentTokensSold, tokenAmount float64) SellResult {
	start := c.ClampSupply(currentTokensSold)
	amount := clampNonNegative(tokenAmount)
	if amount > start {
		amount = start
	}
	end := c.ClampSupply(start - amount)
	ret := c.segmentCost(end, start)

	res := SellResult{
		TokenAmount:   start - end,
		Return:        ret,
		NewTokensSold: end,
		PriceImpact:   c.priceImpact(start, end),
	}
	if res.TokenAmount > 0 {
		res.AveragePrice = ret / res.TokenAmount
	}
	return res
}

// PromptBuyResult is the whole-token purchase a PROMPT budget affords.
type PromptBuyResult struct {
	TokenAmount     float64
	Cost            float64
	RemainingPrompt float64
	NewTokensSold   float64
}

// TokensFromPrompt finds the largest whole number of tokens that promptAmount
// buys at currentTokensSold. Unspent PROMPT is returned in RemainingPrompt.
func (c Curve) TokensFromPrompt(currentTokensSold, promptAmount float64) PromptBuyResult {
	start := c.ClampSupply(currentTokensSold)
	budget := clampNonNegative(promptAmount)

	// Cost of x more tokens is (slope/2)x^2 + price(start)x.
	x := solveQuadratic(c.slope/2, c.PriceAtSupply(start), budget)
	if remaining := c.cfg.CurveSupply - start; x > remaining {
		x = remaining
	}
	x = math.Floor(x)

	buy := c.BuyCost(start, x)
	for buy.TokenAmount >= 1 && buy.Cost > budget {
		buy = c.BuyCost(start, buy.TokenAmount-1)
	}
	if next := c.BuyCost(start, buy.TokenAmount+1); next.TokenAmount > buy.TokenAmount && next.Cost <= budget {
		buy = next
	}

	return PromptBuyResult{
		TokenAmount:     buy.TokenAmount,
		Cost:            buy.Cost,
		RemainingPrompt: clampNonNegative(budget - buy.Cost),
		NewTokensSold:   buy.NewTokensSold,
	}
}

// Fees splits the configured trading fee on amount. Buys pay fees on top of
// the curve cost; sells have them taken out of the proceeds.
func (c Curve) Fees(amount float64, side domain.Side) domain.FeeSplit {
	amount = clampNonNegative(amount)
	total := amount * float64(c.cfg.TradingFeeBps) / 10_000
	agent := amount * float64(c.cfg.AgentFeeBps) / 10_000
	if agent > total {
		agent = total
	}
	split := domain.FeeSplit{
		TotalFees:       total,
		AgentRevenue:    agent,
		PlatformRevenue: total - agent,
	}
	if side == domain.SideSell {
		split.NetAmount = clampNonNegative(amount - total)
	} else {
		split.NetAmount = amount + total
	}
	return split
}

// FeeRate is the total fee as a fraction.
func (c Curve) FeeRate() float64 {
	return float64(c.cfg.TradingFeeBps) / 10_000
}

// GraduationProgress reports progress toward the threshold. IsGraduated is
// the single authoritative predicate for threshold crossing.
func (c Curve) GraduationProgress(promptRaised float64) domain.GraduationProgress {
	threshold := c.cfg.GraduationPromptThreshold
	raised := clampNonNegative(promptRaised)
	p := domain.GraduationProgress{
		Threshold:    threshold,
		PromptRaised: raised,
		IsGraduated:  c.IsGraduated(raised),
	}
	if threshold <= 0 {
		p.Progress = 100
		return p
	}
	p.Progress = math.Min(100, raised/threshold*100)
	p.Remaining = clampNonNegative(threshold - raised)
	if p.IsGraduated {
		p.Progress = 100
		p.Remaining = 0
	}
	return p
}

// IsGraduated reports whether promptRaised has reached the threshold.
func (c Curve) IsGraduated(promptRaised float64) bool {
	threshold := c.cfg.GraduationPromptThreshold
	return promptRaised >= threshold-threshold*graduationTolerance
}

// Crossed reports whether a trade taking the raise from prev to after is the
// first to reach the threshold. A token that crossed once never crosses again.
func (c Curve) Crossed(prev domain.CurveState, after float64) bool {
	return !prev.ThresholdCrossed && !c.IsGraduated(prev.PromptRaised) && c.IsGraduated(after)
}

// segmentCost is the area under the curve between supplies lo and hi,
// computed as width times midpoint price.
func (c Curve) segmentCost(lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (hi - lo) * (c.cfg.P0 + c.slope*(lo+hi)/2)
}

// priceImpact is the absolute percentage change in instantaneous price.
func (c Curve) priceImpact(from, to float64) float64 {
	before := c.PriceAtSupply(from)
	if before <= 0 {
		return 0
	}
	return math.Abs(c.PriceAtSupply(to)-before) / before * 100
}

func clampNonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
