package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// minLiquidityBps is the slippage floor on addLiquidity. The pair is new, so
// the desired amounts are expected to be taken in full.
const minLiquidityBps = 9900

// LiquidityManager seeds a Uniswap V2 pool with PROMPT and the graduated
// token, then locks the LP tokens.
type LiquidityManager struct {
	wallet  *Wallet
	network NetworkConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewLiquidityManager creates a LiquidityManager.
func NewLiquidityManager(wallet *Wallet, network NetworkConfig, logger *slog.Logger) *LiquidityManager {
	return &LiquidityManager{
		wallet:  wallet,
		network: network,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "liquidity")),
	}
}

// CreateLiquidityPool adds liquidity and locks the resulting LP position
// until now+LockDuration. When the wallet already holds LP tokens for the
// pair, an earlier attempt added liquidity and only the lock is redone.
func (m *LiquidityManager) CreateLiquidityPool(ctx context.Context, p domain.LiquidityParams) (domain.LiquidityResult, error) {
	token := common.HexToAddress(p.TokenAddress)
	prompt := common.HexToAddress(m.network.PromptToken)
	router := common.HexToAddress(m.network.V2Router)
	factory := common.HexToAddress(m.network.V2Factory)
	locker := common.HexToAddress(m.network.LPLocker)
	owner := m.wallet.Address()
	log := m.logger.With(slog.String("token_id", p.TokenID), slog.String("token", token.Hex()))

	pair, lpBalance, err := m.position(ctx, factory, token, prompt)
	if err != nil {
		return domain.LiquidityResult{}, err
	}

	var res domain.LiquidityResult
	if lpBalance.Sign() == 0 {
		tokenWei := ToWei(p.TokenAmount, TokenDecimals)
		promptWei := ToWei(p.PromptAmount, m.network.PromptDecimals)

		if err := m.wallet.Approve(ctx, token, router, tokenWei); err != nil {
			return res, err
		}
		if err := m.wallet.Approve(ctx, prompt, router, promptWei); err != nil {
			return res, err
		}

		deadline := big.NewInt(m.now().Add(20 * time.Minute).Unix())
		rcpt, err := m.wallet.TransactMethod(ctx, V2RouterABI, router, "addLiquidity",
			token, prompt,
			tokenWei, promptWei,
			pct(tokenWei, minLiquidityBps), pct(promptWei, minLiquidityBps),
			owner, deadline,
		)
		if err != nil {
			return res, fmt.Errorf("evm: add liquidity: %w", err)
		}
		res.TxHash = rcpt.TxHash.Hex()
		log.InfoContext(ctx, "liquidity added", slog.String("tx", res.TxHash))

		if pair, lpBalance, err = m.position(ctx, factory, token, prompt); err != nil {
			return res, err
		}
		if lpBalance.Sign() == 0 {
			return res, fmt.Errorf("evm: no LP tokens received for pair %s", pair.Hex())
		}
	} else {
		log.InfoContext(ctx, "reusing existing LP position", slog.String("pair", pair.Hex()))
	}
	res.PoolAddress = pair.Hex()

	if err := m.wallet.Approve(ctx, pair, locker, lpBalance); err != nil {
		return res, err
	}
	unlockAt := m.now().Add(p.LockDuration).UTC()
	rcpt, err := m.wallet.TransactMethod(ctx, LPLockerABI, locker, "lock", pair, lpBalance, big.NewInt(unlockAt.Unix()))
	if err != nil {
		return res, fmt.Errorf("evm: lock LP: %w", err)
	}
	res.LockTxHash = rcpt.TxHash.Hex()
	res.UnlockAt = unlockAt

	log.InfoContext(ctx, "LP locked",
		slog.String("pair", res.PoolAddress),
		slog.String("tx", res.LockTxHash),
		slog.Time("unlock_at", unlockAt),
	)
	return res, nil
}

// position returns the pair address (zero if absent) and the wallet's LP
// balance in it.
func (m *LiquidityManager) position(ctx context.Context, factory, token, prompt common.Address) (common.Address, *big.Int, error) {
	out, err := m.wallet.CallMethod(ctx, V2FactoryABI, factory, "getPair", token, prompt)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("evm: get pair: %w", err)
	}
	vals, err := V2FactoryABI.Unpack("getPair", out)
	if err != nil || len(vals) == 0 {
		return common.Address{}, nil, fmt.Errorf("evm: unpack getPair: %w", err)
	}
	pair, _ := vals[0].(common.Address)
	if pair == (common.Address{}) {
		return pair, new(big.Int), nil
	}
	bal, err := m.wallet.BalanceOf(ctx, pair, m.wallet.Address())
	return pair, bal, err
}

func pct(v *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(bps))
	return out.Div(out, big.NewInt(10_000))
}

var _ domain.LiquidityProvider = (*LiquidityManager)(nil)
