package dex

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/promptpad/internal/chain/evm"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// V3FeeTiers are the Uniswap V3 pool fees tried when none are configured,
// in hundredths of a basis point.
var V3FeeTiers = []uint32{100, 500, 3000, 10000}

var transferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// UniswapV3 quotes through the V3 Quoter and swaps through SwapRouter.
type UniswapV3 struct {
	wallet   *evm.Wallet
	network  evm.NetworkConfig
	feeTiers []uint32
	logger   *slog.Logger
}

// NewUniswapV3 creates a UniswapV3 venue. An empty feeTiers tries every
// standard tier.
func NewUniswapV3(wallet *evm.Wallet, network evm.NetworkConfig, feeTiers []uint32, logger *slog.Logger) *UniswapV3 {
	if len(feeTiers) == 0 {
		feeTiers = V3FeeTiers
	}
	return &UniswapV3{
		wallet:   wallet,
		network:  network,
		feeTiers: feeTiers,
		logger:   logger.With(slog.String("component", "uniswap_v3")),
	}
}

func (u *UniswapV3) Name() string { return "uniswap_v3" }

// Quote queries every fee tier and keeps the largest output. Tiers without a
// pool revert and are skipped.
func (u *UniswapV3) Quote(ctx context.Context, p domain.SwapQuoteParams) (domain.SwapQuote, error) {
	in, out, inDec, outDec := u.pair(p.TokenAddress, p.Side)
	amountIn := evm.ToWei(p.AmountIn, inDec)
	quoter := common.HexToAddress(u.network.V3Quoter)

	var (
		bestFee uint32
		best    *big.Int
	)
	for _, fee := range u.feeTiers {
		raw, err := u.wallet.CallMethod(ctx, evm.V3QuoterABI, quoter, "quoteExactInputSingle",
			in, out, big.NewInt(int64(fee)), amountIn, new(big.Int))
		if err != nil {
			continue
		}
		amount, err := evm.UnpackBigInt(evm.V3QuoterABI, "quoteExactInputSingle", raw)
		if err != nil {
			continue
		}
		if best == nil || amount.Cmp(best) > 0 {
			bestFee, best = fee, amount
		}
	}
	if best == nil {
		return domain.SwapQuote{}, fmt.Errorf("uniswap_v3: no pool for %s", p.TokenAddress)
	}

	return domain.SwapQuote{
		Source:    u.Name(),
		AmountOut: evm.FromWei(best, outDec),
		FeeTier:   bestFee,
		Fee:       p.AmountIn * float64(bestFee) / 1_000_000,
	}, nil
}

// Swap runs exactInputSingle on the quoted tier. Output is read from the
// Transfer log paid to the recipient.
func (u *UniswapV3) Swap(ctx context.Context, p domain.SwapParams) (domain.SwapResult, error) {
	in, out, inDec, outDec := u.pair(p.TokenAddress, p.Side)
	router := common.HexToAddress(u.network.V3Router)
	amountIn := evm.ToWei(p.AmountIn, inDec)

	recipient := u.wallet.Address()
	if common.IsHexAddress(p.Recipient) {
		recipient = common.HexToAddress(p.Recipient)
	}

	if err := u.wallet.Approve(ctx, in, router, amountIn); err != nil {
		return domain.SwapResult{}, err
	}
	rcpt, err := u.wallet.TransactMethod(ctx, evm.V3RouterABI, router, "exactInputSingle", evm.ExactInputSingleParams{
		TokenIn:           in,
		TokenOut:          out,
		Fee:               big.NewInt(int64(p.FeeTier)),
		Recipient:         recipient,
		Deadline:          big.NewInt(time.Now().Add(10 * time.Minute).Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  evm.ToWei(p.MinAmountOut, outDec),
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("uniswap_v3: exactInputSingle: %w", err)
	}

	amountOut := p.MinAmountOut
	if received := transferredTo(rcpt, out, recipient); received != nil {
		amountOut = evm.FromWei(received, outDec)
	}
	return domain.SwapResult{AmountOut: amountOut, TxHash: rcpt.TxHash.Hex()}, nil
}

// pair orders PROMPT and the token by trade direction.
func (u *UniswapV3) pair(tokenAddress string, side domain.Side) (in, out common.Address, inDec, outDec int32) {
	prompt := common.HexToAddress(u.network.PromptToken)
	token := common.HexToAddress(tokenAddress)
	if side == domain.SideSell {
		return token, prompt, evm.TokenDecimals, u.network.PromptDecimals
	}
	return prompt, token, u.network.PromptDecimals, evm.TokenDecimals
}

// transferredTo sums ERC-20 transfers of token to recipient in rcpt.
func transferredTo(rcpt *types.Receipt, token, recipient common.Address) *big.Int {
	var total *big.Int
	for _, lg := range rcpt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != recipient {
			continue
		}
		if total == nil {
			total = new(big.Int)
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}

var _ domain.SwapVenue = (*UniswapV3)(nil)
