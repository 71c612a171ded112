package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// gasHeadroomPct pads estimates by 20%.
const gasHeadroomPct = 120

// Wallet signs and sends transactions from one account. Sends are serialized
// so nonces are assigned in order.
type Wallet struct {
	client  *Client
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *slog.Logger

	receiptPoll time.Duration
	mu          sync.Mutex
}

// NewWallet loads the key described by kc.
func NewWallet(client *Client, kc KeyConfig, logger *slog.Logger) (*Wallet, error) {
	hexKey, err := LoadKey(kc)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("evm: invalid private key: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		client:      client,
		key:         key,
		address:     addr,
		logger:      logger.With(slog.String("component", "wallet"), slog.String("address", addr.Hex())),
		receiptPoll: 2 * time.Second,
	}, nil
}

// Address is the wallet's account.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Call runs a read-only contract call.
func (w *Wallet) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := w.client.Do(ctx, "eth_call", func(ctx context.Context, ec *ethclient.Client) error {
		res, err := ec.CallContract(ctx, ethereum.CallMsg{From: w.address, To: &to, Data: data}, nil)
		out = res
		return err
	})
	return out, err
}

// CallMethod packs method on a, calls it at to, and returns the raw result.
func (w *Wallet) CallMethod(ctx context.Context, a abi.ABI, to common.Address, method string, args ...any) ([]byte, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	return w.Call(ctx, to, data)
}

// Transact signs and sends a transaction and waits for a successful receipt.
// A nil to deploys a contract.
func (w *Wallet) Transact(ctx context.Context, to *common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	hash, err := w.Send(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	return w.Await(ctx, hash)
}

// Send signs and broadcasts a transaction without waiting for it to be mined.
func (w *Wallet) Send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}

	w.mu.Lock()
	signed, err := w.sign(ctx, to, value, data)
	if err == nil {
		err = w.send(ctx, signed)
	}
	w.mu.Unlock()
	if err != nil {
		return common.Hash{}, err
	}

	w.logger.InfoContext(ctx, "transaction sent", slog.String("tx", signed.Hash().Hex()))
	return signed.Hash(), nil
}

// Await waits for hash to be mined. A failed receipt is returned together
// with an error wrapping domain.ErrTxReverted.
func (w *Wallet) Await(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	rcpt, err := w.waitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return rcpt, fmt.Errorf("evm: transaction %s: %w", hash.Hex(), domain.ErrTxReverted)
	}
	return rcpt, nil
}

// TransactMethod packs method on a and sends it to the contract at to.
func (w *Wallet) TransactMethod(ctx context.Context, a abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	return w.Transact(ctx, &to, nil, data)
}

func (w *Wallet) sign(ctx context.Context, to *common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	var (
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
	)
	err := w.client.Do(ctx, "prepare_tx", func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		if nonce, err = ec.PendingNonceAt(ctx, w.address); err != nil {
			return err
		}
		if gasPrice, err = ec.SuggestGasPrice(ctx); err != nil {
			return err
		}
		gas, err = ec.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: to, Value: value, Data: data})
		return err
	})
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas * gasHeadroomPct / 100,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.client.ChainID()), w.key)
	if err != nil {
		return nil, fmt.Errorf("evm: sign tx: %w", err)
	}
	return signed, nil
}

// send broadcasts signed. Re-broadcasting after a failover can find the tx
// already in the new endpoint's pool, which counts as sent.
func (w *Wallet) send(ctx context.Context, signed *types.Transaction) error {
	return w.client.Do(ctx, "send_tx", func(ctx context.Context, ec *ethclient.Client) error {
		err := ec.SendTransaction(ctx, signed)
		if err != nil && strings.Contains(err.Error(), "already known") {
			return nil
		}
		return err
	})
}

func (w *Wallet) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(w.receiptPoll)
	defer ticker.Stop()

	for {
		var rcpt *types.Receipt
		err := w.client.Do(ctx, "receipt", func(ctx context.Context, ec *ethclient.Client) error {
			r, err := ec.TransactionReceipt(ctx, hash)
			rcpt = r
			return err
		})
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
