package curve

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

func v7() Curve {
	return New(V7Defaults())
}

func TestPriceAtSupplyEndpoints(t *testing.T) {
	c := v7()
	assert.InDelta(t, 0.000001, c.PriceAtSupply(0), 1e-18)
	assert.InDelta(t, 0.000104, c.PriceAtSupply(800_000_000), 1e-18)

	// Out-of-range supply is clamped.
	assert.InDelta(t, c.PriceAtSupply(0), c.PriceAtSupply(-5), 1e-18)
	assert.InDelta(t, c.PriceAtSupply(800_000_000), c.PriceAtSupply(900_000_000), 1e-18)
}

func TestPriceIsMonotonic(t *testing.T) {
	c := v7()
	prev := c.PriceAtSupply(0)
	for s := 0.0; s <= V7CurveSupply; s += V7CurveSupply / 1000 {
		p := c.PriceAtSupply(s)
		require.GreaterOrEqual(t, p, prev, "price decreased at supply %v", s)
		prev = p
	}
}

func TestRaisedRoundTrip(t *testing.T) {
	c := v7()
	samples := []float64{0, 1, 2, 17, 1_000, 123_456.5, 1e6, 5e7, 399_999_999, 4e8, 7.99e8, V7CurveSupply}
	for i := 0; i <= 200; i++ {
		samples = append(samples, V7CurveSupply*float64(i)/200)
	}
	for _, s := range samples {
		raised := c.PromptRaisedFromTokensSold(s)
		back := c.TokensSoldFromPromptRaised(raised)
		assert.InDelta(t, s, back, math.Max(1e-6, s*1e-9), "round trip at supply %v", s)
	}
}

func TestInverseIsStableForTinyAmounts(t *testing.T) {
	c := v7()
	// With a tiny raise the slope term vanishes and s ~ raised/p0.
	got := c.TokensSoldFromPromptRaised(1e-12)
	assert.InEpsilon(t, 1e-12/V7P0, got, 1e-9)

	assert.Zero(t, c.TokensSoldFromPromptRaised(0))
	assert.Zero(t, c.TokensSoldFromPromptRaised(-3))
	assert.Equal(t, float64(V7CurveSupply), c.TokensSoldFromPromptRaised(1e12))
}

func TestFlatCurveInverse(t *testing.T) {
	cfg := V7Defaults()
	cfg.P1 = cfg.P0
	c := New(cfg)
	assert.InDelta(t, 1_000_000, c.TokensSoldFromPromptRaised(1), 1e-6)
}

func TestFullCurveRaiseGraduates(t *testing.T) {
	c := v7()
	full := c.PromptRaisedFromTokensSold(V7CurveSupply)
	assert.InDelta(t, 42_000, full, 1e-6)
	assert.True(t, c.IsGraduated(full))
	assert.False(t, c.IsGraduated(41_999))
}

func TestGraduationProgressAtCustomThreshold(t *testing.T) {
	cfg := V7Defaults()
	cfg.GraduationPromptThreshold = 42_160
	c := New(cfg)

	p := c.GraduationProgress(42_160)
	assert.True(t, p.IsGraduated)
	assert.Equal(t, 100.0, p.Progress)
	assert.Zero(t, p.Remaining)

	half := c.GraduationProgress(21_080)
	assert.False(t, half.IsGraduated)
	assert.InDelta(t, 50, half.Progress, 1e-9)
	assert.InDelta(t, 21_080, half.Remaining, 1e-9)
}

func TestCrossedFiresOnlyOnTheFirstCrossing(t *testing.T) {
	c := v7()
	assert.True(t, c.Crossed(domain.CurveState{PromptRaised: 41_500}, 42_300))
	assert.False(t, c.Crossed(domain.CurveState{PromptRaised: 42_300, ThresholdCrossed: true}, 42_900))
	assert.False(t, c.Crossed(domain.CurveState{PromptRaised: 40_000}, 41_500))

	// Sold back under the threshold, then bought through it again.
	assert.False(t, c.Crossed(domain.CurveState{PromptRaised: 41_000, ThresholdCrossed: true}, 42_500))
}

func TestBuyCostClampsToCurveSupply(t *testing.T) {
	c := v7()
	res := c.BuyCost(V7CurveSupply-1, 1000)
	assert.LessOrEqual(t, res.NewTokensSold, float64(V7CurveSupply))
	assert.Equal(t, 1.0, res.TokenAmount)
	assert.InDelta(t, c.PriceAtSupply(V7CurveSupply), res.AveragePrice, 1e-12)

	empty := c.BuyCost(V7CurveSupply, 10)
	assert.Zero(t, empty.TokenAmount)
	assert.Zero(t, empty.Cost)
}

func TestSellReturnClampsToTokensSold(t *testing.T) {
	c := v7()
	res := c.SellReturn(100, 1_000)
	assert.Equal(t, 100.0, res.TokenAmount)
	assert.Zero(t, res.NewTokensSold)
	assert.InDelta(t, c.PromptRaisedFromTokensSold(100), res.Return, 1e-15)
}

func TestBuyThenSellCostsExactlyTheFees(t *testing.T) {
	c := v7()
	for _, start := range []float64{0, 1e6, 3.3e8, 7.5e8} {
		x := 2_500_000.0
		buy := c.BuyCost(start, x)
		buyFees := c.Fees(buy.Cost, domain.SideBuy)
		sell := c.SellReturn(buy.NewTokensSold, buy.TokenAmount)
		sellFees := c.Fees(sell.Return, domain.SideSell)

		assert.InDelta(t, buy.Cost, sell.Return, 1e-9, "curve not reversible at %v", start)
		assert.InDelta(t, start, sell.NewTokensSold, 1e-6)

		netCost := buyFees.NetAmount - sellFees.NetAmount
		assert.InDelta(t, buyFees.TotalFees+sellFees.TotalFees, netCost, 1e-9)
	}
}

func TestTokensFromPromptBuysWholeTokens(t *testing.T) {
	c := v7()
	for _, start := range []float64{0, 12_345, 4e8, V7CurveSupply - 10} {
		for _, budget := range []float64{0.0000005, 0.001, 1, 250, 10_000} {
			res := c.TokensFromPrompt(start, budget)
			assert.Equal(t, math.Floor(res.TokenAmount), res.TokenAmount)
			assert.LessOrEqual(t, res.Cost, budget+1e-12)
			assert.GreaterOrEqual(t, res.RemainingPrompt, 0.0)
			assert.InDelta(t, budget, res.Cost+res.RemainingPrompt, 1e-9)
			assert.LessOrEqual(t, res.NewTokensSold, float64(V7CurveSupply))

			if res.NewTokensSold < V7CurveSupply {
				next := c.BuyCost(start, res.TokenAmount+1)
				assert.Greater(t, next.Cost, budget-1e-12, "one more token should not fit the budget")
			}
		}
	}
}

func TestFeesSplit(t *testing.T) {
	c := v7()
	buy := c.Fees(1_000, domain.SideBuy)
	assert.InDelta(t, 10, buy.TotalFees, 1e-12)
	assert.InDelta(t, 7, buy.AgentRevenue, 1e-12)
	assert.InDelta(t, 3, buy.PlatformRevenue, 1e-12)
	assert.InDelta(t, 1_010, buy.NetAmount, 1e-12)

	sell := c.Fees(1_000, domain.SideSell)
	assert.InDelta(t, 990, sell.NetAmount, 1e-12)
	assert.Zero(t, c.Fees(-1, domain.SideSell).NetAmount)
}

func TestPriceTradeBuyWithPromptBudget(t *testing.T) {
	c := v7()
	plan := c.PriceTrade(0, domain.TradeRequest{Side: domain.SideBuy, PromptAmount: 101})

	require.Greater(t, plan.TokenAmount, 0.0)
	assert.LessOrEqual(t, plan.Fees.NetAmount, 101.0+1e-9)
	assert.InDelta(t, 101, plan.Fees.NetAmount+plan.Refund, 1e-9)
	assert.InDelta(t, c.PromptRaisedFromTokensSold(plan.NewTokensSold), plan.NewRaised, 1e-12)
	assert.Equal(t, plan.TokenAmount, plan.Output())
}

func TestPriceTradeSell(t *testing.T) {
	c := v7()
	plan := c.PriceTrade(1e6, domain.TradeRequest{Side: domain.SideSell, TokenAmount: 4e5})
	assert.Equal(t, 4e5, plan.TokenAmount)
	assert.InDelta(t, 6e5, plan.NewTokensSold, 1e-9)
	assert.InDelta(t, plan.CurveAmount*0.99, plan.Output(), 1e-12)
}

func TestCheckInvariant(t *testing.T) {
	c := v7()
	good := domain.CurveState{TokensSold: 1e8, PromptRaised: c.PromptRaisedFromTokensSold(1e8)}
	assert.True(t, c.CheckInvariant(good))

	bad := good
	bad.PromptRaised += 1
	assert.False(t, c.CheckInvariant(bad))

	assert.False(t, c.CheckInvariant(domain.CurveState{TokensSold: -1}))
}

func TestDynamicThreshold(t *testing.T) {
	cfg := V7Defaults()
	cfg.GraduationMode = domain.GraduationModeDynamic
	cfg.PromptUSDRateAtCreation = 1
	// Market cap of 52,500 USD is reached at price 0.0000525, i.e. 400M sold.
	cfg.TargetMarketCapUSD = 52_500

	assert.InEpsilon(t, 10_700, DynamicThreshold(cfg), 1e-6)

	cfg.TargetMarketCapUSD = 1e12
	assert.InDelta(t, 42_000, DynamicThreshold(cfg), 1e-6)
}

func TestFinalizeSnapshotsThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := V7Defaults()
	cfg.GraduationMode = domain.GraduationModeDynamic
	cfg.PromptUSDRateAtCreation = 1
	cfg.TargetMarketCapUSD = 52_500

	out := Finalize(cfg, now, 2*time.Minute)
	assert.InEpsilon(t, 10_700, out.GraduationPromptThreshold, 1e-6)
	require.NotNil(t, out.TradeLockUntil)
	assert.Equal(t, now.Add(2*time.Minute), *out.TradeLockUntil)
	assert.True(t, out.TradingLocked(now.Add(time.Minute)))
	assert.False(t, out.TradingLocked(now.Add(3*time.Minute)))

	fixed := Finalize(V7Defaults(), now, 0)
	assert.Equal(t, float64(V7Threshold), fixed.GraduationPromptThreshold)
	assert.Nil(t, fixed.TradeLockUntil)
}
