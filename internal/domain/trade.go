package domain

import "time"

// Side is the direction of a trade from the trader's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Venue identifies where a trade was priced and settled.
type Venue string

const (
	VenueCurve Venue = "curve"
	VenueDEX   Venue = "dex"
)

// TradeRequest is a single buy or sell instruction. Exactly one of
// PromptAmount or TokenAmount is expected to be set; buys accept either, sells
// require TokenAmount.
type TradeRequest struct {
	TokenID       string  `json:"token_id"`
	Trader        string  `json:"trader"`
	Side          Side    `json:"side"`
	PromptAmount  float64 `json:"prompt_amount,omitempty"`
	TokenAmount   float64 `json:"token_amount,omitempty"`
	ExpectedPrice float64 `json:"expected_price,omitempty"`
	SlippageBps   int     `json:"slippage_bps,omitempty"`
}

// FeeSplit is the fee breakdown for a trade. NetAmount is what the trader
// pays on a buy (cost plus fees) or receives on a sell (proceeds minus fees).
type FeeSplit struct {
	TotalFees       float64 `json:"total_fees"`
	AgentRevenue    float64 `json:"agent_revenue"`
	PlatformRevenue float64 `json:"platform_revenue"`
	NetAmount       float64 `json:"net_amount"`
}

// TradeResult is returned by both the curve executor and the DEX router so
// callers never need to know which path served them.
type TradeResult struct {
	TradeID           string      `json:"trade_id"`
	TokenID           string      `json:"token_id"`
	Side              Side        `json:"side"`
	Venue             Venue       `json:"venue"`
	ExecutedPrice     float64     `json:"executed_price"`
	AmountIn          float64     `json:"amount_in"`
	TokensOrPromptOut float64     `json:"tokens_or_prompt_out"`
	RefundedPrompt    float64     `json:"refunded_prompt,omitempty"`
	PriceImpact       float64     `json:"price_impact"`
	NewCurveState     *CurveState `json:"new_curve_state,omitempty"`
	FeesSplit         FeeSplit    `json:"fees_split"`
	GraduationCrossed bool        `json:"graduation_crossed"`
	TxHash            string      `json:"tx_hash,omitempty"`
}

// Quote is a read-only trade preview.
type Quote struct {
	TokenID      string  `json:"token_id"`
	Side         Side    `json:"side"`
	Venue        Venue   `json:"venue"`
	AmountIn     float64 `json:"amount_in"`
	OutputAmount float64 `json:"output_amount"`
	AveragePrice float64 `json:"average_price"`
	PriceImpact  float64 `json:"price_impact"`
	Fee          float64 `json:"fee"`
	Source       string  `json:"source,omitempty"`
}

// TradeRecord is the persisted audit row for an executed trade.
type TradeRecord struct {
	ID                string    `json:"id"`
	TokenID           string    `json:"token_id"`
	Trader            string    `json:"trader"`
	Side              Side      `json:"side"`
	Venue             Venue     `json:"venue"`
	PromptAmount      float64   `json:"prompt_amount"`
	TokenAmount       float64   `json:"token_amount"`
	Price             float64   `json:"price"`
	Fees              FeeSplit  `json:"fees"`
	TokensSoldAfter   float64   `json:"tokens_sold_after"`
	PromptRaisedAfter float64   `json:"prompt_raised_after"`
	TxHash            string    `json:"tx_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
