package domain

import (
	"strings"
	"time"
)

// GraduationMode selects how a token's graduation threshold was derived.
type GraduationMode string

const (
	// GraduationModeFixed uses a configured PROMPT amount.
	GraduationModeFixed GraduationMode = "database"
	// GraduationModeDynamic derives the PROMPT amount from a USD market-cap
	// target and the PROMPT/USD rate snapshotted at creation.
	GraduationModeDynamic GraduationMode = "smart_contract"
)

// Valid reports whether m is a known graduation mode.
func (m GraduationMode) Valid() bool {
	return m == GraduationModeFixed || m == GraduationModeDynamic
}

// CurveConfig is the immutable per-token curve definition. It is written once
// when the token launches and never updated.
type CurveConfig struct {
	TokenID string `json:"token_id"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Creator string `json:"creator"`

	P0                 float64 `json:"p0"`
	P1                 float64 `json:"p1"`
	CurveSupply        float64 `json:"curve_supply"`
	LpReserve          float64 `json:"lp_reserve"`
	PlatformAllocation float64 `json:"platform_allocation"`
	TotalSupply        float64 `json:"total_supply"`

	GraduationMode            GraduationMode `json:"graduation_mode"`
	GraduationPromptThreshold float64        `json:"graduation_prompt_threshold"`
	TargetMarketCapUSD        float64        `json:"target_market_cap_usd,omitempty"`
	PromptUSDRateAtCreation   float64        `json:"prompt_usd_rate_at_creation,omitempty"`

	TradingFeeBps  int `json:"trading_fee_bps"`
	AgentFeeBps    int `json:"agent_fee_bps"`
	PlatformFeeBps int `json:"platform_fee_bps"`

	TradeLockUntil *time.Time `json:"trade_lock_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Slope is the price increase per token sold.
func (c CurveConfig) Slope() float64 {
	if c.CurveSupply <= 0 {
		return 0
	}
	return (c.P1 - c.P0) / c.CurveSupply
}

// TradingLocked reports whether the MEV protection window is active at now.
func (c CurveConfig) TradingLocked(now time.Time) bool {
	return c.TradeLockUntil != nil && now.Before(*c.TradeLockUntil)
}

// IsCreator compares trader against the creator address, ignoring hex case.
func (c CurveConfig) IsCreator(trader string) bool {
	return strings.EqualFold(strings.TrimSpace(trader), strings.TrimSpace(c.Creator))
}

// CurveState is the mutable per-token curve position. It is only changed by
// the trade executor inside a serialized store operation.
type CurveState struct {
	TokenID             string    `json:"token_id"`
	TokensSold          float64   `json:"tokens_sold"`
	PromptRaised        float64   `json:"prompt_raised"`
	Graduated           bool      `json:"graduated"`
	// ThresholdCrossed latches on the first trade that reaches the graduation
	// threshold and stays set if later sells drop the raise below it.
	ThresholdCrossed    bool      `json:"threshold_crossed"`
	AgentFeesAccrued    float64   `json:"agent_fees_accrued"`
	PlatformFeesAccrued float64   `json:"platform_fees_accrued"`
	TradeCount          int64     `json:"trade_count"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Supersedes reports whether s may replace old in a cache. Trade counts and
// the graduated flag only move forward, so a state behind on either is stale.
func (s CurveState) Supersedes(old CurveState) bool {
	if s.TradeCount < old.TradeCount {
		return false
	}
	return s.Graduated || !old.Graduated
}

// GraduationProgress describes how far a token is from its threshold.
type GraduationProgress struct {
	Progress     float64 `json:"progress"`
	Remaining    float64 `json:"remaining"`
	Threshold    float64 `json:"threshold"`
	IsGraduated  bool    `json:"is_graduated"`
	PromptRaised float64 `json:"prompt_raised"`
}
