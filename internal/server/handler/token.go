package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/service"
)

// TokenService is the subset of service.TokenService the handler needs.
type TokenService interface {
	CreateToken(ctx context.Context, p service.CreateTokenParams) (domain.CurveConfig, error)
	GetToken(ctx context.Context, tokenID string) (domain.CurveConfig, error)
	ListTokens(ctx context.Context, opts domain.ListOpts) ([]domain.CurveConfig, error)
	GetCurveState(ctx context.Context, tokenID string) (service.CurveView, error)
	GetProgress(ctx context.Context, tokenID string) (domain.GraduationProgress, error)
}

// TokenHandler serves token launch and curve read endpoints.
type TokenHandler struct {
	tokens TokenService
	logger *slog.Logger
}

func NewTokenHandler(tokens TokenService, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, logger: logger.With(slog.String("handler", "token"))}
}

// CreateToken launches a token.
// POST /api/tokens
func (h *TokenHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var p service.CreateTokenParams
	if err := decodeJSON(r, &p); err != nil {
		writeServiceError(w, r, h.logger, "create token", err)
		return
	}
	cfg, err := h.tokens.CreateToken(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, h.logger, "create token", err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// ListTokens returns tokens newest first.
// GET /api/tokens?limit=50&offset=0
func (h *TokenHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	tokens, err := h.tokens.ListTokens(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list tokens", err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(tokens, opts))
}

// GET /api/tokens/{id}
func (h *TokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.tokens.GetToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get token", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// GET /api/tokens/{id}/curve
func (h *TokenHandler) GetCurve(w http.ResponseWriter, r *http.Request) {
	view, err := h.tokens.GetCurveState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get curve", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /api/tokens/{id}/progress
func (h *TokenHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.tokens.GetProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get progress", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
