package risk

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testValidator() *Validator {
	return NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func baseConfig() domain.CurveConfig {
	cfg := curve.V7Defaults()
	cfg.TokenID = "tok-1"
	cfg.Creator = "0xAbC0000000000000000000000000000000000001"
	return cfg
}

func stateAt(cfg domain.CurveConfig, sold float64) domain.CurveState {
	return domain.CurveState{
		TokenID:      cfg.TokenID,
		TokensSold:   sold,
		PromptRaised: curve.New(cfg).PromptRaisedFromTokensSold(sold),
	}
}

func TestValidateRejections(t *testing.T) {
	cfg := baseConfig()
	locked := baseConfig()
	until := now.Add(time.Minute)
	locked.TradeLockUntil = &until

	tests := []struct {
		name   string
		cfg    domain.CurveConfig
		state  domain.CurveState
		req    domain.TradeRequest
		acct   AccountContext
		reason domain.RejectionReason
	}{
		{
			name:   "graduated token",
			cfg:    cfg,
			state:  domain.CurveState{Graduated: true},
			req:    domain.TradeRequest{Side: domain.SideBuy, PromptAmount: 10, Trader: "0x1"},
			reason: domain.ReasonAlreadyGraduated,
		},
		{
			name:   "lock window blocks non-creator",
			cfg:    locked,
			state:  stateAt(locked, 0),
			req:    domain.TradeRequest{Side: domain.SideBuy, PromptAmount: 10, Trader: "0x2"},
			reason: domain.ReasonTradingLocked,
		},
		{
			name:   "zero amount",
			cfg:    cfg,
			state:  stateAt(cfg, 0),
			req:    domain.TradeRequest{Side: domain.SideBuy, Trader: "0x1"},
			reason: domain.ReasonInvalidAmount,
		},
		{
			name:   "negative amount",
			cfg:    cfg,
			state:  stateAt(cfg, 0),
			req:    domain.TradeRequest{Side: domain.SideBuy, PromptAmount: -4, Trader: "0x1"},
			reason: domain.ReasonInvalidAmount,
		},
		{
			name:   "NaN amount",
			cfg:    cfg,
			state:  stateAt(cfg, 0),
			req:    domain.TradeRequest{Side: domain.SideSell, TokenAmount: math.NaN(), Trader: "0x1"},
			reason: domain.ReasonInvalidAmount,
		},
		{
			name:   "unknown side",
			cfg:    cfg,
			state:  stateAt(cfg, 0),
			req:    domain.TradeRequest{Side: "hold", TokenAmount: 5, Trader: "0x1"},
			reason: domain.ReasonInvalidAmount,
		},
		{
			name:   "budget below one token",
			cfg:    cfg,
			state:  stateAt(cfg, 0),
			req:    domain.TradeRequest{Side: domain.SideBuy, PromptAmount: 1e-9, Trader: "0x1"},
			reason: domain.ReasonInvalidAmount,
		},
		{
			name:   "curve exhausted",
			cfg:    cfg,
			state:  stateAt(cfg, curve.V7CurveSupply),
			req:    domain.TradeRequest{Side: domain.SideBuy, TokenAmount: 10, Trader: "0x1"},
			reason: domain.ReasonCurveExhausted,
		},
		{
			name:  "buy slippage",
			cfg:   cfg,
			state: stateAt(cfg, 0),
			// A 100 PROMPT buy moves the average price well above p0.
			req:    domain.TradeRequest{Side: domain.SideBuy, PromptAmount: 100, ExpectedPrice: curve.V7P0, SlippageBps: 50, Trader: "0x1"},
			reason: domain.ReasonSlippageExceeded,
		},
		{
			name:   "sell slippage",
			cfg:    cfg,
			state:  stateAt(cfg, 4e8),
			req:    domain.TradeRequest{Side: domain.SideSell, TokenAmount: 2e8, ExpectedPrice: curve.New(cfg).PriceAtSupply(4e8), SlippageBps: 100, Trader: "0x1"},
			acct:   AccountContext{Balance: 3e8},
			reason: domain.ReasonSlippageExceeded,
		},
		{
			name:   "insufficient balance",
			cfg:    cfg,
			state:  stateAt(cfg, 1e6),
			req:    domain.TradeRequest{Side: domain.SideSell, TokenAmount: 500, Trader: "0x1"},
			acct:   AccountContext{Balance: 499},
			reason: domain.ReasonInsufficientBalance,
		},
	}

	v := testValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.TokenID = tt.cfg.TokenID
			if tt.acct.Now.IsZero() {
				tt.acct.Now = now
			}
			verdict := v.Validate(context.Background(), tt.req, tt.cfg, tt.state, tt.acct)
			require.False(t, verdict.IsValid)
			require.NotNil(t, verdict.Rejection)
			assert.Equal(t, tt.reason, verdict.Rejection.Reason)

			var verr *domain.ValidationError
			require.ErrorAs(t, verdict.Err(), &verr)
			assert.Equal(t, tt.reason == domain.ReasonAlreadyGraduated, verr.RouteToDEX())
		})
	}
}

func TestValidateCheckOrder(t *testing.T) {
	cfg := baseConfig()
	until := now.Add(time.Hour)
	cfg.TradeLockUntil = &until

	// Graduated wins over the lock window and a bad amount.
	verdict := testValidator().Validate(context.Background(),
		domain.TradeRequest{Side: domain.SideBuy, Trader: "0x9"},
		cfg, domain.CurveState{Graduated: true}, AccountContext{Now: now})
	require.NotNil(t, verdict.Rejection)
	assert.Equal(t, domain.ReasonAlreadyGraduated, verdict.Rejection.Reason)
}

func TestValidateAccepts(t *testing.T) {
	cfg := baseConfig()
	until := now.Add(time.Minute)
	cfg.TradeLockUntil = &until
	v := testValidator()

	t.Run("creator trades inside lock window", func(t *testing.T) {
		req := domain.TradeRequest{TokenID: cfg.TokenID, Side: domain.SideBuy, PromptAmount: 5,
			Trader: "0xabc0000000000000000000000000000000000001"}
		verdict := v.Validate(context.Background(), req, cfg, stateAt(cfg, 0), AccountContext{Now: now})
		require.True(t, verdict.IsValid)
		assert.NoError(t, verdict.Err())
		assert.Greater(t, verdict.Plan.TokenAmount, 0.0)
	})

	t.Run("anyone trades after lock window", func(t *testing.T) {
		req := domain.TradeRequest{TokenID: cfg.TokenID, Side: domain.SideBuy, TokenAmount: 1000, Trader: "0x7"}
		verdict := v.Validate(context.Background(), req, cfg, stateAt(cfg, 0), AccountContext{Now: now.Add(2 * time.Minute)})
		assert.True(t, verdict.IsValid)
	})

	t.Run("slippage within tolerance", func(t *testing.T) {
		c := curve.New(cfg)
		req := domain.TradeRequest{TokenID: cfg.TokenID, Side: domain.SideBuy, TokenAmount: 1000,
			ExpectedPrice: c.PriceAtSupply(5e5), SlippageBps: 10, Trader: "0x7"}
		verdict := v.Validate(context.Background(), req, cfg, stateAt(cfg, 5e5), AccountContext{Now: now.Add(time.Hour)})
		assert.True(t, verdict.IsValid)
	})

	t.Run("sell full balance", func(t *testing.T) {
		req := domain.TradeRequest{TokenID: cfg.TokenID, Side: domain.SideSell, TokenAmount: 250, Trader: "0x7"}
		verdict := v.Validate(context.Background(), req, cfg, stateAt(cfg, 1e6), AccountContext{Now: now.Add(time.Hour), Balance: 250})
		assert.True(t, verdict.IsValid)
	})
}
