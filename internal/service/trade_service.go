package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/promptpad/internal/domain"
)

// TradeVenue executes and quotes trades. The curve executor and the DEX
// router both satisfy it.
type TradeVenue interface {
	Execute(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error)
	Quote(ctx context.Context, req domain.TradeRequest) (domain.Quote, error)
}

// TradeService routes trades to the bonding curve until a token graduates
// and to the DEX afterwards.
type TradeService struct {
	curves domain.CurveStore
	trades domain.TradeStore
	curve  TradeVenue
	dex    TradeVenue
	logger *slog.Logger
}

// NewTradeService creates a TradeService. dex may be nil when no chain is
// configured, in which case graduated tokens cannot be traded.
func NewTradeService(
	curves domain.CurveStore,
	trades domain.TradeStore,
	curveVenue TradeVenue,
	dex TradeVenue,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		curves: curves,
		trades: trades,
		curve:  curveVenue,
		dex:    dex,
		logger: logger.With(slog.String("component", "trade_service")),
	}
}

// ExecuteTrade runs req on whichever venue currently serves the token. A
// curve rejection for an already graduated token is retried on the DEX.
func (s *TradeService) ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	req.Trader = strings.TrimSpace(req.Trader)
	if req.Trader == "" {
		return domain.TradeResult{}, fmt.Errorf("%w: trader is required", domain.ErrInvalidInput)
	}

	venue, err := s.venue(ctx, req.TokenID)
	if err != nil {
		return domain.TradeResult{}, err
	}
	res, err := venue.Execute(ctx, req)
	if s.shouldReroute(venue, err) {
		s.logger.InfoContext(ctx, "rerouting trade to dex",
			slog.String("token_id", req.TokenID),
			slog.String("side", string(req.Side)),
		)
		return s.dex.Execute(ctx, req)
	}
	return res, err
}

// GetQuote previews req without executing it.
func (s *TradeService) GetQuote(ctx context.Context, req domain.TradeRequest) (domain.Quote, error) {
	venue, err := s.venue(ctx, req.TokenID)
	if err != nil {
		return domain.Quote{}, err
	}
	q, err := venue.Quote(ctx, req)
	if s.shouldReroute(venue, err) {
		return s.dex.Quote(ctx, req)
	}
	return q, err
}

// ListTrades returns the token's trades newest first.
func (s *TradeService) ListTrades(ctx context.Context, tokenID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	if _, err := s.curves.GetConfig(ctx, tokenID); err != nil {
		return nil, fmt.Errorf("trade_service: list trades %s: %w", tokenID, err)
	}
	trades, err := s.trades.ListByToken(ctx, tokenID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades %s: %w", tokenID, err)
	}
	return trades, nil
}

func (s *TradeService) venue(ctx context.Context, tokenID string) (TradeVenue, error) {
	st, err := s.curves.GetState(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("trade_service: load curve %s: %w", tokenID, err)
	}
	if st.Graduated && s.dex != nil {
		return s.dex, nil
	}
	return s.curve, nil
}

func (s *TradeService) shouldReroute(used TradeVenue, err error) bool {
	if s.dex == nil || used == s.dex {
		return false
	}
	var verr *domain.ValidationError
	return errors.As(err, &verr) && verr.RouteToDEX()
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
