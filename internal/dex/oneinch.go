package dex

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"

	"github.com/alanyoungcy/promptpad/internal/chain/evm"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// DefaultOneInchURL is the public 1inch aggregation API.
const DefaultOneInchURL = "https://api.1inch.dev"

// OneInch quotes and swaps through the 1inch aggregation API. Swaps are
// signed and sent by the wallet; quoting works without one.
type OneInch struct {
	baseURL string
	apiKey  string
	network evm.NetworkConfig
	wallet  *evm.Wallet
	http    *http.Client
	logger  *slog.Logger
}

// NewOneInch creates a OneInch venue. wallet may be nil for quote-only use.
func NewOneInch(baseURL, apiKey string, network evm.NetworkConfig, wallet *evm.Wallet, logger *slog.Logger) *OneInch {
	if baseURL == "" {
		baseURL = DefaultOneInchURL
	}
	return &OneInch{
		baseURL: baseURL,
		apiKey:  apiKey,
		network: network,
		wallet:  wallet,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With(slog.String("component", "oneinch")),
	}
}

func (o *OneInch) Name() string { return "1inch" }

func (o *OneInch) Quote(ctx context.Context, p domain.SwapQuoteParams) (domain.SwapQuote, error) {
	src, dst, inDec, outDec := o.pair(p.TokenAddress, p.Side)
	q := url.Values{}
	q.Set("src", src)
	q.Set("dst", dst)
	q.Set("amount", evm.ToWei(p.AmountIn, inDec).String())

	body, err := o.get(ctx, "quote", q)
	if err != nil {
		return domain.SwapQuote{}, err
	}
	out, ok := new(big.Int).SetString(gjson.GetBytes(body, "dstAmount").String(), 10)
	if !ok {
		return domain.SwapQuote{}, fmt.Errorf("1inch: quote response has no dstAmount")
	}
	return domain.SwapQuote{Source: o.Name(), AmountOut: evm.FromWei(out, outDec)}, nil
}

// Swap fetches calldata for the swap, refuses it if the aggregator's own
// output is under MinAmountOut, then approves and sends it.
func (o *OneInch) Swap(ctx context.Context, p domain.SwapParams) (domain.SwapResult, error) {
	if o.wallet == nil {
		return domain.SwapResult{}, fmt.Errorf("1inch: no wallet configured for swaps")
	}
	src, dst, inDec, outDec := o.pair(p.TokenAddress, p.Side)
	amountIn := evm.ToWei(p.AmountIn, inDec)

	q := url.Values{}
	q.Set("src", src)
	q.Set("dst", dst)
	q.Set("amount", amountIn.String())
	q.Set("from", o.wallet.Address().Hex())
	if common.IsHexAddress(p.Recipient) {
		q.Set("receiver", p.Recipient)
	}
	q.Set("slippage", strconv.FormatFloat(float64(p.SlippageBps)/100, 'f', 2, 64))
	q.Set("disableEstimate", "true")

	body, err := o.get(ctx, "swap", q)
	if err != nil {
		return domain.SwapResult{}, err
	}
	res := gjson.ParseBytes(body)

	dstAmount, ok := new(big.Int).SetString(res.Get("dstAmount").String(), 10)
	if !ok {
		return domain.SwapResult{}, fmt.Errorf("1inch: swap response has no dstAmount")
	}
	out := evm.FromWei(dstAmount, outDec)
	if out < p.MinAmountOut {
		return domain.SwapResult{}, fmt.Errorf("1inch: output %.6f below minimum %.6f", out, p.MinAmountOut)
	}

	to := res.Get("tx.to").String()
	if !common.IsHexAddress(to) {
		return domain.SwapResult{}, fmt.Errorf("1inch: swap response has no tx.to")
	}
	data := common.FromHex(res.Get("tx.data").String())
	value, _ := new(big.Int).SetString(res.Get("tx.value").String(), 10)
	spender := common.HexToAddress(to)

	if err := o.wallet.Approve(ctx, common.HexToAddress(src), spender, amountIn); err != nil {
		return domain.SwapResult{}, err
	}
	rcpt, err := o.wallet.Transact(ctx, &spender, value, data)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("1inch: send swap: %w", err)
	}
	return domain.SwapResult{AmountOut: out, TxHash: rcpt.TxHash.Hex()}, nil
}

func (o *OneInch) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	u := fmt.Sprintf("%s/swap/v6.0/%d/%s?%s", o.baseURL, o.network.ChainID, endpoint, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("1inch: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("1inch: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("1inch: read %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		desc := gjson.GetBytes(body, "description").String()
		if desc == "" {
			desc = string(body)
		}
		return nil, fmt.Errorf("1inch: %s returned %d: %s", endpoint, resp.StatusCode, desc)
	}
	return body, nil
}

func (o *OneInch) pair(tokenAddress string, side domain.Side) (src, dst string, inDec, outDec int32) {
	if side == domain.SideSell {
		return tokenAddress, o.network.PromptToken, evm.TokenDecimals, o.network.PromptDecimals
	}
	return o.network.PromptToken, tokenAddress, o.network.PromptDecimals, evm.TokenDecimals
}

var _ domain.SwapVenue = (*OneInch)(nil)
