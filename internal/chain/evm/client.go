// Package evm is the blockchain collaborator: an RPC client that fails over
// across endpoints, a signing wallet, and the contract calls graduation and
// DEX trading need (token deployment, V2 liquidity with an LP lock, V3
// quoting and swapping).
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// Client is a pool of RPC endpoints. Calls go to the current endpoint; a
// failed call rotates to the next one and is retried with backoff.
type Client struct {
	network NetworkConfig
	clients []*ethclient.Client
	urls    []string
	logger  *slog.Logger

	mu      sync.Mutex
	current int
}

// Dial connects to every RPC URL in the network config.
func Dial(ctx context.Context, network NetworkConfig, logger *slog.Logger) (*Client, error) {
	if len(network.RPCURLs) == 0 {
		return nil, fmt.Errorf("evm: network %s has no rpc urls", network.Name)
	}
	if network.RPCTimeout <= 0 {
		network.RPCTimeout = 15 * time.Second
	}
	if network.RPCMaxAttempts == 0 {
		network.RPCMaxAttempts = uint(len(network.RPCURLs)) + 1
	}

	c := &Client{
		network: network,
		logger:  logger.With(slog.String("component", "evm"), slog.String("network", network.Name)),
	}
	for _, url := range network.RPCURLs {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("evm: dial %s: %w", url, err)
		}
		c.clients = append(c.clients, ec)
		c.urls = append(c.urls, url)
	}
	return c, nil
}

// Network returns the network the client was dialed for.
func (c *Client) Network() NetworkConfig {
	return c.network
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return big.NewInt(c.network.ChainID)
}

// Do runs fn against the current endpoint with a per-call timeout, rotating
// endpoints and backing off on failure. Reverts and not-found results are
// returned immediately.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	attempt := func() (struct{}, error) {
		idx, ec := c.pick()
		callCtx, cancel := context.WithTimeout(ctx, c.network.RPCTimeout)
		defer cancel()

		err := fn(callCtx, ec)
		if err == nil {
			return struct{}{}, nil
		}
		if isFinal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.rotate(idx)
		c.logger.WarnContext(ctx, "rpc call failed, rotating endpoint",
			slog.String("op", op),
			slog.String("endpoint", c.urls[idx]),
			slog.String("error", err.Error()),
		)
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.network.RPCMaxAttempts),
	)
	if err != nil {
		if isFinal(err) {
			return fmt.Errorf("evm: %s: %w", op, err)
		}
		return fmt.Errorf("evm: %s: %w: %w", op, domain.ErrTransient, err)
	}
	return nil
}

// Close releases every endpoint.
func (c *Client) Close() {
	for _, ec := range c.clients {
		ec.Close()
	}
}

func (c *Client) pick() (int, *ethclient.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.clients[c.current]
}

// rotate advances past idx unless another caller already did.
func (c *Client) rotate(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == idx {
		c.current = (idx + 1) % len(c.clients)
	}
}

// isFinal reports errors that another endpoint would answer the same way.
func isFinal(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "nonce too low")
}
