package domain

import (
	"context"
	"time"
)

// DeployParams describes the post-graduation token contract. Supplies are in
// whole tokens; the deployer scales them to on-chain units.
type DeployParams struct {
	TokenID            string
	Name               string
	Symbol             string
	HolderAllocation   float64
	LpReserve          float64
	PlatformAllocation float64
	TotalSupply        float64

	// Submitted, when set, is called with the transaction hash once the
	// deployment is broadcast and before it is mined.
	Submitted func(txHash string)
}

// DeployResult identifies a deployed contract.
type DeployResult struct {
	Address string
	TxHash  string
}

// LiquidityParams describes the pool seeded at graduation.
type LiquidityParams struct {
	TokenID      string
	TokenAddress string
	PromptAmount float64
	TokenAmount  float64
	LockDuration time.Duration
}

// LiquidityResult identifies the created pool and the LP lock.
type LiquidityResult struct {
	PoolAddress string
	TxHash      string
	LockTxHash  string
	UnlockAt    time.Time
}

// TokenDeployer deploys graduated token contracts.
type TokenDeployer interface {
	DeployTokenContract(ctx context.Context, p DeployParams) (DeployResult, error)
}

// DeploymentLookup resolves a deployment broadcast by an earlier attempt. It
// waits for the receipt until ctx is done and returns ErrNotFound if the
// transaction is still unmined, or ErrTxReverted if it failed.
type DeploymentLookup interface {
	LookupDeployment(ctx context.Context, txHash string) (DeployResult, error)
}

// LiquidityProvider creates and locks DEX liquidity.
type LiquidityProvider interface {
	CreateLiquidityPool(ctx context.Context, p LiquidityParams) (LiquidityResult, error)
}

// SwapQuoteParams asks a venue to price a swap between PROMPT and a token.
type SwapQuoteParams struct {
	TokenAddress string
	Side         Side
	AmountIn     float64
}

// SwapQuote is a venue's price for a swap.
type SwapQuote struct {
	Source    string
	AmountOut float64
	FeeTier   uint32
	Fee       float64
}

// SwapParams executes a previously quoted swap with a minimum-output guard.
type SwapParams struct {
	TokenAddress string
	Side         Side
	AmountIn     float64
	MinAmountOut float64
	SlippageBps  int
	FeeTier      uint32
	Recipient    string
}

// SwapResult is the settled outcome of a swap.
type SwapResult struct {
	AmountOut float64
	TxHash    string
}

// SwapVenue is a quote-and-execute DEX integration.
type SwapVenue interface {
	Name() string
	Quote(ctx context.Context, p SwapQuoteParams) (SwapQuote, error)
	Swap(ctx context.Context, p SwapParams) (SwapResult, error)
}
