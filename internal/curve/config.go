package curve

import (
	"time"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// V7 launch parameters.
const (
	V7P0                 = 0.000001
	V7P1                 = 0.000104
	V7CurveSupply        = 800_000_000
	V7LpReserve          = 196_000_000
	V7PlatformAllocation = 4_000_000
	V7TotalSupply        = 1_000_000_000
	V7Threshold          = 42_000
	DefaultFeeBps        = 100
	DefaultAgentFeeBps   = 70
	DefaultPlatformBps   = 30
)

// V7Defaults returns a fixed-threshold config with the V7 parameters.
func V7Defaults() domain.CurveConfig {
	return domain.CurveConfig{
		P0:                        V7P0,
		P1:                        V7P1,
		CurveSupply:               V7CurveSupply,
		LpReserve:                 V7LpReserve,
		PlatformAllocation:        V7PlatformAllocation,
		TotalSupply:               V7TotalSupply,
		GraduationMode:            domain.GraduationModeFixed,
		GraduationPromptThreshold: V7Threshold,
		TradingFeeBps:             DefaultFeeBps,
		AgentFeeBps:               DefaultAgentFeeBps,
		PlatformFeeBps:            DefaultPlatformBps,
	}
}

// DynamicThreshold converts a USD market-cap target into a PROMPT threshold:
// the supply s* at which price(s*)*totalSupply*rate equals the target, then
// the PROMPT raised up to s*. Targets beyond the curve resolve to the full
// curve raise.
func DynamicThreshold(cfg domain.CurveConfig) float64 {
	c := New(cfg)
	if cfg.PromptUSDRateAtCreation <= 0 || cfg.TotalSupply <= 0 {
		return c.PromptRaisedFromTokensSold(cfg.CurveSupply)
	}
	targetPrice := cfg.TargetMarketCapUSD / (cfg.TotalSupply * cfg.PromptUSDRateAtCreation)
	var s float64
	switch {
	case targetPrice <= cfg.P0:
		s = 0
	case c.slope <= 0:
		s = cfg.CurveSupply
	default:
		s = (targetPrice - cfg.P0) / c.slope
	}
	return c.PromptRaisedFromTokensSold(c.ClampSupply(s))
}

// Finalize resolves the graduation threshold for cfg and stamps the creation
// time and MEV lock window. It is applied exactly once, at token launch.
func Finalize(cfg domain.CurveConfig, now time.Time, lockWindow time.Duration) domain.CurveConfig {
	if cfg.GraduationMode == "" {
		cfg.GraduationMode = domain.GraduationModeFixed
	}
	if cfg.GraduationMode == domain.GraduationModeDynamic {
		cfg.GraduationPromptThreshold = DynamicThreshold(cfg)
	}
	cfg.CreatedAt = now
	if lockWindow > 0 {
		until := now.Add(lockWindow)
		cfg.TradeLockUntil = &until
	}
	return cfg
}
