package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/executor"
	"github.com/alanyoungcy/promptpad/internal/risk"
	"github.com/alanyoungcy/promptpad/internal/server/handler"
	"github.com/alanyoungcy/promptpad/internal/service"
	"github.com/alanyoungcy/promptpad/internal/store/memory"
)

type fakeDEX struct{ calls int }

func (f *fakeDEX) Execute(_ context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	f.calls++
	return domain.TradeResult{TradeID: "dex-1", TokenID: req.TokenID, Side: req.Side, Venue: domain.VenueDEX}, nil
}

func (f *fakeDEX) Quote(_ context.Context, req domain.TradeRequest) (domain.Quote, error) {
	return domain.Quote{TokenID: req.TokenID, Side: req.Side, Venue: domain.VenueDEX, Source: "fake"}, nil
}

type fakeRunner struct {
	ev     domain.GraduationEvent
	err    error
	ctxErr error
}

func (f *fakeRunner) Trigger(ctx context.Context, tokenID, _ string, _ bool) (domain.GraduationEvent, error) {
	f.ctxErr = ctx.Err()
	f.ev.TokenID = tokenID
	return f.ev, f.err
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }
func (denyLimiter) Wait(context.Context, string) error                              { return nil }

type testAPI struct {
	handler http.Handler
	curves  *memory.CurveStore
	events  *memory.GraduationStore
	dex     *fakeDEX
	runner  *fakeRunner
}

func newTestAPI(t *testing.T, cfg Config, limiter domain.RateLimiter) testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	trades := memory.NewTradeStore()
	curves := memory.NewCurveStore(trades)
	events := memory.NewGraduationStore()
	audit := memory.NewAuditStore()

	exec := executor.NewExecutor(curves, events, risk.NewValidator(logger), logger)
	dex := &fakeDEX{}
	runner := &fakeRunner{}

	tokens := service.NewTokenService(curves, nil, audit, service.TokenDefaults{Curve: curve.V7Defaults()}, logger)
	tradeSvc := service.NewTradeService(curves, trades, exec, dex, logger)
	grads := service.NewGraduationService(events, runner, audit, logger)

	srv := NewServer(cfg, Handlers{
		Health:      handler.NewHealthHandler(nil, logger),
		Tokens:      handler.NewTokenHandler(tokens, logger),
		Trades:      handler.NewTradeHandler(tradeSvc, logger),
		Graduations: handler.NewGraduationHandler(grads, logger),
	}, nil, limiter, logger)

	return testAPI{handler: srv.Handler(), curves: curves, events: events, dex: dex, runner: runner}
}

func (a testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a testAPI) createToken(t *testing.T) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/tokens", map[string]any{
		"name": "Agent", "symbol": "agt", "creator": "0xcreator",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := decode[domain.CurveConfig](t, rec)
	assert.Equal(t, "AGT", cfg.Symbol)
	assert.Equal(t, float64(curve.V7Threshold), cfg.GraduationPromptThreshold)
	return cfg.TokenID
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	rec := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
}

func TestCreateTokenValidation(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing fields", map[string]any{"name": "x"}},
		{"unknown field", map[string]any{"name": "x", "symbol": "X", "creator": "c", "bogus": 1}},
		{"dynamic without rate", map[string]any{
			"name": "x", "symbol": "X", "creator": "c",
			"graduation_mode": "smart_contract", "target_market_cap_usd": 50000,
		}},
		{"unknown mode", map[string]any{"name": "x", "symbol": "X", "creator": "c", "graduation_mode": "moon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/tokens", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateDynamicToken(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	rec := api.do(t, http.MethodPost, "/api/tokens", map[string]any{
		"name": "Agent", "symbol": "AGT", "creator": "0xc",
		"graduation_mode": "smart_contract", "target_market_cap_usd": 50_000, "prompt_usd_rate": 0.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := decode[domain.CurveConfig](t, rec)
	assert.Equal(t, domain.GraduationModeDynamic, cfg.GraduationMode)
	assert.Greater(t, cfg.GraduationPromptThreshold, 0.0)
	assert.Less(t, cfg.GraduationPromptThreshold, float64(curve.V7Threshold))
}

func TestTradeFlow(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	id := api.createToken(t)
	base := "/api/tokens/" + id

	rec := api.do(t, http.MethodGet, base+"/quote?side=buy&amount=100", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[domain.Quote](t, rec)
	assert.Equal(t, domain.VenueCurve, q.Venue)
	assert.Greater(t, q.OutputAmount, 0.0)

	rec = api.do(t, http.MethodPost, base+"/trades", map[string]any{
		"trader": "0xalice", "side": "buy", "prompt_amount": 100,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[domain.TradeResult](t, rec)
	assert.Equal(t, domain.VenueCurve, res.Venue)
	bought := res.TokensOrPromptOut

	rec = api.do(t, http.MethodGet, base+"/curve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[service.CurveView](t, rec)
	assert.Equal(t, bought, view.TokensSold)
	assert.Greater(t, view.CurrentPrice, curve.V7P0)

	rec = api.do(t, http.MethodGet, base+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.GraduationProgress](t, rec).IsGraduated)

	rec = api.do(t, http.MethodPost, base+"/trades", map[string]any{
		"trader": "0xalice", "side": "sell", "token_amount": bought * 2,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rej := decode[map[string]any](t, rec)
	assert.Equal(t, "insufficient_balance", rej["reason"])
	assert.Equal(t, false, rej["route_to_dex"])

	rec = api.do(t, http.MethodGet, base+"/trades?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Items []domain.TradeRecord `json:"items"`
		Limit int                  `json:"limit"`
	}](t, rec)
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 10, list.Limit)
}

func TestTradeErrors(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	id := api.createToken(t)

	rec := api.do(t, http.MethodGet, "/api/tokens/nope/curve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/tokens/nope/trades", map[string]any{"trader": "0xa", "side": "buy", "prompt_amount": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/tokens/"+id+"/quote?side=hold&amount=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/tokens/"+id+"/trades", map[string]any{"side": "buy", "prompt_amount": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraduatedTokenRoutesToDEX(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	id := api.createToken(t)
	require.NoError(t, api.curves.MarkGraduated(context.Background(), id))

	rec := api.do(t, http.MethodPost, "/api/tokens/"+id+"/trades", map[string]any{
		"trader": "0xbob", "side": "buy", "prompt_amount": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.VenueDEX, decode[domain.TradeResult](t, rec).Venue)
	assert.Equal(t, 1, api.dex.calls)

	rec = api.do(t, http.MethodGet, "/api/tokens/"+id+"/quote?side=buy&amount=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fake", decode[domain.Quote](t, rec).Source)
}

func TestGraduationEndpoints(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	id := api.createToken(t)

	rec := api.do(t, http.MethodGet, "/api/tokens/"+id+"/graduation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	api.runner.err = domain.ErrNotEligible
	rec = api.do(t, http.MethodPost, "/api/tokens/"+id+"/graduation", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	api.runner.ev = domain.GraduationEvent{ID: "ev-1", Status: domain.GraduationFailed, ErrorMessage: "rpc down"}
	api.runner.err = &domain.StepFailure{TokenID: id, Step: domain.GraduationContractDeploying, Err: errors.New("rpc down")}
	rec = api.do(t, http.MethodPost, "/api/tokens/"+id+"/graduation", map[string]any{"force": true})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "contract_deploying", body["step"])
	assert.Equal(t, "failed", body["event"].(map[string]any)["status"])

	_, _, err := api.events.CreateIfAbsent(context.Background(), domain.GraduationEvent{ID: "ev-2", TokenID: id, Status: domain.GraduationInitiated})
	require.NoError(t, err)
	rec = api.do(t, http.MethodGet, "/api/tokens/"+id+"/graduation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[service.GraduationView](t, rec)
	assert.Equal(t, "ev-2", view.Event.ID)
	assert.NotNil(t, view.Transitions)
}

func TestGraduationTriggerOutlivesClient(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)
	id := api.createToken(t)
	api.runner.ev = domain.GraduationEvent{ID: "ev-1", Status: domain.GraduationCompleted}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/tokens/"+id+"/graduation", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, api.runner.ctxErr)
}

func TestAuthAppliesToWrites(t *testing.T) {
	api := newTestAPI(t, Config{APIKey: "secret"}, nil)

	rec := api.do(t, http.MethodPost, "/api/tokens", map[string]any{"name": "a", "symbol": "A", "creator": "c"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/tokens", map[string]any{"name": "a", "symbol": "A", "creator": "c"},
		"Authorization", "Bearer secret")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/tokens", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitAndCORS(t *testing.T) {
	api := newTestAPI(t, Config{RateLimit: 10, CORSOrigins: []string{"https://app.example"}}, denyLimiter{})

	rec := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = api.do(t, http.MethodOptions, "/api/tokens", nil, "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = api.do(t, http.MethodOptions, "/api/tokens", nil, "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingSetsRequestID(t *testing.T) {
	api := newTestAPI(t, Config{}, nil)

	rec := api.do(t, http.MethodGet, "/api/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(t, http.MethodGet, "/api/health", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
