package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// Deployer deploys the post-graduation token contract.
type Deployer struct {
	wallet   *Wallet
	bytecode []byte
	logger   *slog.Logger
}

// LoadBytecode reads hex-encoded creation bytecode from path.
func LoadBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evm: read bytecode: %w", err)
	}
	code, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: decode bytecode: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("evm: bytecode at %s is empty", path)
	}
	return code, nil
}

// NewDeployer creates a Deployer sending from wallet.
func NewDeployer(wallet *Wallet, bytecode []byte, logger *slog.Logger) *Deployer {
	return &Deployer{
		wallet:   wallet,
		bytecode: bytecode,
		logger:   logger.With(slog.String("component", "deployer")),
	}
}

// DeployTokenContract deploys the graduated token with every allocation
// minted to the wallet.
func (d *Deployer) DeployTokenContract(ctx context.Context, p domain.DeployParams) (domain.DeployResult, error) {
	args, err := GraduatedTokenABI.Pack("",
		p.Name,
		p.Symbol,
		ToWei(p.HolderAllocation, TokenDecimals),
		ToWei(p.LpReserve, TokenDecimals),
		ToWei(p.PlatformAllocation, TokenDecimals),
		d.wallet.Address(),
	)
	if err != nil {
		return domain.DeployResult{}, fmt.Errorf("evm: pack constructor: %w", err)
	}

	data := make([]byte, 0, len(d.bytecode)+len(args))
	data = append(data, d.bytecode...)
	data = append(data, args...)

	hash, err := d.wallet.Send(ctx, nil, nil, data)
	if err != nil {
		return domain.DeployResult{}, fmt.Errorf("evm: deploy %s: %w", p.Symbol, err)
	}
	if p.Submitted != nil {
		p.Submitted(hash.Hex())
	}

	rcpt, err := d.wallet.Await(ctx, hash)
	if err != nil {
		return domain.DeployResult{}, fmt.Errorf("evm: deploy %s: %w", p.Symbol, err)
	}

	d.logger.InfoContext(ctx, "token contract deployed",
		slog.String("token_id", p.TokenID),
		slog.String("address", rcpt.ContractAddress.Hex()),
		slog.String("tx", rcpt.TxHash.Hex()),
	)
	return domain.DeployResult{Address: rcpt.ContractAddress.Hex(), TxHash: rcpt.TxHash.Hex()}, nil
}

// LookupDeployment waits for a deployment sent by an earlier attempt. A
// receipt still missing when ctx expires is reported as domain.ErrNotFound.
func (d *Deployer) LookupDeployment(ctx context.Context, txHash string) (domain.DeployResult, error) {
	hash := common.HexToHash(txHash)
	if hash == (common.Hash{}) {
		return domain.DeployResult{}, fmt.Errorf("evm: deployment hash %q: %w", txHash, domain.ErrInvalidInput)
	}
	rcpt, err := d.wallet.Await(ctx, hash)
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.DeployResult{}, fmt.Errorf("evm: deployment %s not mined: %w", txHash, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DeployResult{}, fmt.Errorf("evm: lookup deployment %s: %w", txHash, err)
	}
	return domain.DeployResult{Address: rcpt.ContractAddress.Hex(), TxHash: rcpt.TxHash.Hex()}, nil
}

var (
	_ domain.TokenDeployer    = (*Deployer)(nil)
	_ domain.DeploymentLookup = (*Deployer)(nil)
)
