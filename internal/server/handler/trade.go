package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// TradeService is the subset of service.TradeService the handler needs.
type TradeService interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error)
	GetQuote(ctx context.Context, req domain.TradeRequest) (domain.Quote, error)
	ListTrades(ctx context.Context, tokenID string, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// TradeHandler serves quote, trade and trade history endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger.With(slog.String("handler", "trade"))}
}

// tradeBody is the POST /trades request body.
type tradeBody struct {
	Trader        string      `json:"trader"`
	Side          domain.Side `json:"side"`
	PromptAmount  float64     `json:"prompt_amount"`
	TokenAmount   float64     `json:"token_amount"`
	ExpectedPrice float64     `json:"expected_price"`
	SlippageBps   int         `json:"slippage_bps"`
}

// ExecuteTrade runs a buy or sell.
// POST /api/tokens/{id}/trades
func (h *TradeHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var body tradeBody
	if err := decodeJSON(r, &body); err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}
	res, err := h.trades.ExecuteTrade(r.Context(), domain.TradeRequest{
		TokenID:       r.PathValue("id"),
		Trader:        body.Trader,
		Side:          body.Side,
		PromptAmount:  body.PromptAmount,
		TokenAmount:   body.TokenAmount,
		ExpectedPrice: body.ExpectedPrice,
		SlippageBps:   body.SlippageBps,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "execute trade", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Quote previews a trade.
// GET /api/tokens/{id}/quote?side=buy&amount=100&amount_type=prompt
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	req, err := quoteRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q, err := h.trades.GetQuote(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func quoteRequest(r *http.Request) (domain.TradeRequest, error) {
	q := r.URL.Query()
	req := domain.TradeRequest{
		TokenID: r.PathValue("id"),
		Side:    domain.Side(q.Get("side")),
	}
	if !req.Side.Valid() {
		return req, fmt.Errorf("%w: side must be buy or sell", domain.ErrInvalidInput)
	}
	amount, err := strconv.ParseFloat(q.Get("amount"), 64)
	if err != nil {
		return req, fmt.Errorf("%w: amount must be a number", domain.ErrInvalidInput)
	}

	amountType := q.Get("amount_type")
	if amountType == "" {
		amountType = "token"
		if req.Side == domain.SideBuy {
			amountType = "prompt"
		}
	}
	switch amountType {
	case "prompt":
		req.PromptAmount = amount
	case "token":
		req.TokenAmount = amount
	default:
		return req, fmt.Errorf("%w: amount_type must be prompt or token", domain.ErrInvalidInput)
	}
	return req, nil
}

// ListTrades returns the token's trades newest first.
// GET /api/tokens/{id}/trades?limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	trades, err := h.trades.ListTrades(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(trades, opts))
}
