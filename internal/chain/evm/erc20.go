package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceOf returns owner's balance of token in base units.
func (w *Wallet) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := w.CallMethod(ctx, ERC20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("evm: balanceOf %s: %w", token.Hex(), err)
	}
	return UnpackBigInt(ERC20ABI, "balanceOf", out)
}

// Approve raises spender's allowance to amount when it is lower.
func (w *Wallet) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	out, err := w.CallMethod(ctx, ERC20ABI, token, "allowance", w.Address(), spender)
	if err != nil {
		return fmt.Errorf("evm: allowance %s: %w", token.Hex(), err)
	}
	current, err := UnpackBigInt(ERC20ABI, "allowance", out)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	if _, err := w.TransactMethod(ctx, ERC20ABI, token, "approve", spender, amount); err != nil {
		return fmt.Errorf("evm: approve %s for %s: %w", token.Hex(), spender.Hex(), err)
	}
	return nil
}
