package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// TokenDefaults are the launch parameters applied to every new token.
type TokenDefaults struct {
	// Curve carries the curve shape, supplies, fee bps and the fixed-mode
	// threshold. Identity fields are ignored.
	Curve      domain.CurveConfig
	LockWindow time.Duration
}

// CreateTokenParams is a token launch request.
type CreateTokenParams struct {
	Name               string                `json:"name"`
	Symbol             string                `json:"symbol"`
	Creator            string                `json:"creator"`
	Mode               domain.GraduationMode `json:"graduation_mode,omitempty"`
	TargetMarketCapUSD float64               `json:"target_market_cap_usd,omitempty"`
	PromptUSDRate      float64               `json:"prompt_usd_rate,omitempty"`
}

// CurveView is a curve state with the derived figures clients poll for.
type CurveView struct {
	domain.CurveState
	CurrentPrice float64                   `json:"current_price"`
	Progress     domain.GraduationProgress `json:"progress"`
}

// TokenService launches tokens and serves curve reads.
type TokenService struct {
	curves   domain.CurveStore
	cache    domain.CurveStateCache
	audit    domain.AuditStore
	defaults TokenDefaults
	logger   *slog.Logger
	now      func() time.Time

	// Configs are write-once, so a process-local copy never goes stale.
	configs sync.Map
}

// NewTokenService creates a TokenService. cache and audit may be nil.
func NewTokenService(
	curves domain.CurveStore,
	cache domain.CurveStateCache,
	audit domain.AuditStore,
	defaults TokenDefaults,
	logger *slog.Logger,
) *TokenService {
	return &TokenService{
		curves:   curves,
		cache:    cache,
		audit:    audit,
		defaults: defaults,
		logger:   logger.With(slog.String("component", "token_service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateToken resolves the token's graduation threshold once and persists the
// config with a zero curve state.
func (s *TokenService) CreateToken(ctx context.Context, p CreateTokenParams) (domain.CurveConfig, error) {
	p = s.withDefaults(p)
	if err := validateCreate(p); err != nil {
		return domain.CurveConfig{}, err
	}

	cfg := s.defaults.Curve
	cfg.TokenID = uuid.NewString()
	cfg.Name = strings.TrimSpace(p.Name)
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	cfg.Creator = strings.TrimSpace(p.Creator)
	cfg.GraduationMode = p.Mode
	cfg.TargetMarketCapUSD = 0
	cfg.PromptUSDRateAtCreation = 0
	if cfg.GraduationMode == domain.GraduationModeDynamic {
		cfg.TargetMarketCapUSD = p.TargetMarketCapUSD
		cfg.PromptUSDRateAtCreation = p.PromptUSDRate
	}
	cfg = curve.Finalize(cfg, s.now(), s.defaults.LockWindow)

	if cfg.GraduationPromptThreshold <= 0 {
		return domain.CurveConfig{}, fmt.Errorf("%w: graduation threshold resolved to %v", domain.ErrInvalidInput, cfg.GraduationPromptThreshold)
	}

	if err := s.curves.CreateToken(ctx, cfg); err != nil {
		return domain.CurveConfig{}, fmt.Errorf("token_service: create token %s: %w", cfg.Symbol, err)
	}
	s.configs.Store(cfg.TokenID, cfg)

	s.logger.InfoContext(ctx, "token created",
		slog.String("token_id", cfg.TokenID),
		slog.String("symbol", cfg.Symbol),
		slog.String("mode", string(cfg.GraduationMode)),
		slog.Float64("threshold", cfg.GraduationPromptThreshold),
	)
	if s.audit != nil {
		if err := s.audit.Log(ctx, "token.created", map[string]any{
			"token_id":  cfg.TokenID,
			"symbol":    cfg.Symbol,
			"creator":   cfg.Creator,
			"mode":      string(cfg.GraduationMode),
			"threshold": cfg.GraduationPromptThreshold,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return cfg, nil
}

// withDefaults fills the graduation mode and dynamic-mode inputs the request
// left empty from the configured launch defaults.
func (s *TokenService) withDefaults(p CreateTokenParams) CreateTokenParams {
	def := s.defaults.Curve
	if p.Mode == "" {
		p.Mode = def.GraduationMode
		if !p.Mode.Valid() {
			p.Mode = domain.GraduationModeFixed
		}
	}
	if p.Mode == domain.GraduationModeDynamic {
		if p.TargetMarketCapUSD == 0 {
			p.TargetMarketCapUSD = def.TargetMarketCapUSD
		}
		if p.PromptUSDRate == 0 {
			p.PromptUSDRate = def.PromptUSDRateAtCreation
		}
	}
	return p
}

func validateCreate(p CreateTokenParams) error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(p.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if strings.TrimSpace(p.Creator) == "" {
		problems = append(problems, "creator is required")
	}
	if p.Mode != "" && !p.Mode.Valid() {
		problems = append(problems, fmt.Sprintf("unknown graduation mode %q", p.Mode))
	}
	if p.Mode == domain.GraduationModeDynamic {
		if p.TargetMarketCapUSD <= 0 {
			problems = append(problems, "target_market_cap_usd must be positive")
		}
		if p.PromptUSDRate <= 0 {
			problems = append(problems, "prompt_usd_rate must be positive")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// GetToken returns the token's immutable config.
func (s *TokenService) GetToken(ctx context.Context, tokenID string) (domain.CurveConfig, error) {
	if v, ok := s.configs.Load(tokenID); ok {
		return v.(domain.CurveConfig), nil
	}
	cfg, err := s.curves.GetConfig(ctx, tokenID)
	if err != nil {
		return domain.CurveConfig{}, fmt.Errorf("token_service: get token %s: %w", tokenID, err)
	}
	s.configs.Store(tokenID, cfg)
	return cfg, nil
}

func (s *TokenService) ListTokens(ctx context.Context, opts domain.ListOpts) ([]domain.CurveConfig, error) {
	tokens, err := s.curves.ListTokens(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("token_service: list tokens: %w", err)
	}
	return tokens, nil
}

// GetCurveState serves the cached state when present and falls back to the
// store, repopulating the cache on a miss.
func (s *TokenService) GetCurveState(ctx context.Context, tokenID string) (CurveView, error) {
	cfg, err := s.GetToken(ctx, tokenID)
	if err != nil {
		return CurveView{}, err
	}
	st, err := s.state(ctx, tokenID)
	if err != nil {
		return CurveView{}, err
	}
	c := curve.New(cfg)
	return CurveView{
		CurveState:   st,
		CurrentPrice: c.PriceAtSupply(st.TokensSold),
		Progress:     c.GraduationProgress(st.PromptRaised),
	}, nil
}

// GetProgress reports how far the token is from graduating.
func (s *TokenService) GetProgress(ctx context.Context, tokenID string) (domain.GraduationProgress, error) {
	view, err := s.GetCurveState(ctx, tokenID)
	if err != nil {
		return domain.GraduationProgress{}, err
	}
	return view.Progress, nil
}

func (s *TokenService) state(ctx context.Context, tokenID string) (domain.CurveState, error) {
	if s.cache != nil {
		st, err := s.cache.Get(ctx, tokenID)
		if err == nil {
			return st, nil
		}
		if !isNotFound(err) {
			s.logger.WarnContext(ctx, "curve cache read failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}

	st, err := s.curves.GetState(ctx, tokenID)
	if err != nil {
		return domain.CurveState{}, fmt.Errorf("token_service: get curve state %s: %w", tokenID, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, st); err != nil {
			s.logger.WarnContext(ctx, "curve cache write failed",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	return st, nil
}
