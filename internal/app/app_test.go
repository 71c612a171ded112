package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/promptpad/internal/config"
	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/service"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireMemoryDefaults(t *testing.T) {
	cfg := config.Defaults()
	ctx := context.Background()

	deps, cleanup, err := Wire(ctx, &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Machine)
	assert.Nil(t, deps.Router)
	assert.Nil(t, deps.Bus)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.HealthCheck)

	tok, err := deps.TokenSvc.CreateToken(ctx, service.CreateTokenParams{Name: "Agent", Symbol: "agt", Creator: "0xc"})
	require.NoError(t, err)
	assert.Equal(t, "AGT", tok.Symbol)
	assert.Equal(t, cfg.Curve.GraduationThreshold, tok.GraduationPromptThreshold)
	require.NotNil(t, tok.TradeLockUntil)

	_, err = deps.GradSvc.TriggerGraduation(ctx, tok.TokenID, "", false)
	require.ErrorIs(t, err, domain.ErrNotEligible)
}

func TestWireDynamicModeDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Curve.GraduationMode = "smart_contract"
	cfg.Curve.TargetMarketCapUSD = 69_000
	cfg.Curve.PromptUSDRate = 0.05

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	tok, err := deps.TokenSvc.CreateToken(context.Background(), service.CreateTokenParams{Name: "Dyn", Symbol: "DYN", Creator: "0xc"})
	require.NoError(t, err)
	assert.Equal(t, domain.GraduationModeDynamic, tok.GraduationMode)
	assert.NotEqual(t, cfg.Curve.GraduationThreshold, tok.GraduationPromptThreshold)
	assert.Greater(t, tok.GraduationPromptThreshold, 0.0)
}

func TestWireRejectsUnknownNetwork(t *testing.T) {
	cfg := config.Defaults()
	cfg.DEX.Enabled = true
	cfg.Wallet.PrivateKey = "0x01"
	cfg.Network.Name = "atlantis"

	_, _, err := Wire(context.Background(), &cfg, discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown network")
}

func TestArchiveCutoff(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, time.Date(2025, 12, 31, 11, 0, 0, 0, time.UTC), archiveCutoff(now, 90))
}
