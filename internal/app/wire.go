package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/promptpad/internal/blob/s3"
	"github.com/alanyoungcy/promptpad/internal/cache/redis"
	"github.com/alanyoungcy/promptpad/internal/chain/evm"
	"github.com/alanyoungcy/promptpad/internal/config"
	"github.com/alanyoungcy/promptpad/internal/dex"
	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/executor"
	"github.com/alanyoungcy/promptpad/internal/graduation"
	"github.com/alanyoungcy/promptpad/internal/notify"
	"github.com/alanyoungcy/promptpad/internal/risk"
	"github.com/alanyoungcy/promptpad/internal/server/handler"
	"github.com/alanyoungcy/promptpad/internal/service"
	"github.com/alanyoungcy/promptpad/internal/store/memory"
	"github.com/alanyoungcy/promptpad/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. Optional collaborators
// are nil when their backing service is not configured.
type Dependencies struct {
	// Stores
	Curves      domain.CurveStore
	Trades      domain.TradeStore
	Graduations domain.GraduationStore
	Audit       domain.AuditStore

	// Redis-backed, nil without Redis
	CurveCache domain.CurveStateCache
	Limiter    domain.RateLimiter
	Locks      domain.LockManager
	Bus        domain.SignalBus

	// Chain, nil unless graduation or DEX routing is enabled
	Network evm.NetworkConfig
	Machine *graduation.Machine
	Router  *dex.Router

	Executor    *executor.Executor
	TokenSvc    *service.TokenService
	TradeSvc    *service.TradeService
	GradSvc     *service.GraduationService
	Archiver    *s3blob.Archiver
	Notifier    *notify.Notifier
	LocalRuns   *graduation.LocalTrigger
	HealthCheck map[string]handler.HealthCheck
}

// Wire builds every dependency from cfg. ctx bounds background work started
// by the dependencies themselves, such as in-process graduation runs. The
// returned cleanup releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{HealthCheck: make(map[string]handler.HealthCheck)}

	// --- Stores ---
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		if cfg.Supabase.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pg.Pool()
		curves := postgres.NewCurveStore(pool)
		curves.SetLockTimeout(cfg.Supabase.LockTimeout.Duration)
		deps.Curves = curves
		deps.Trades = postgres.NewTradeStore(pool)
		deps.Graduations = postgres.NewGraduationStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.HealthCheck["postgres"] = pool.Ping
	default:
		trades := memory.NewTradeStore()
		deps.Curves = memory.NewCurveStore(trades)
		deps.Trades = trades
		deps.Graduations = memory.NewGraduationStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled() {
		rc, err := redis.New(ctx, redis.ClientConfig{
			URL:        cfg.Redis.URL,
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.CurveCache = redis.NewCurveCache(rc, cfg.Redis.CurveTTL.Duration)
		deps.Limiter = redis.NewRateLimiter(rc, cfg.Server.RateLimit, cfg.Server.RateLimitWindow.Duration)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.HealthCheck["redis"] = rc.Ping
	}

	// --- Notifications ---
	deps.Notifier = buildNotifier(cfg.Notify, logger)

	// --- Chain ---
	runsGraduation := cfg.Graduation.Enabled && mode != "server"
	var wallet *evm.Wallet
	if runsGraduation || cfg.DEX.Enabled {
		network, err := resolveNetwork(cfg.Network)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Network = network

		client, err := evm.Dial(ctx, network, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		closers = append(closers, client.Close)

		wallet, err = evm.NewWallet(client, evm.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
	}

	if runsGraduation {
		if err := deps.Network.Validate(); err != nil {
			return fail(fmt.Errorf("wire: graduation: %w", err))
		}
		bytecode, err := evm.LoadBytecode(cfg.Wallet.TokenBytecodePath)
		if err != nil {
			return fail(fmt.Errorf("wire: graduation: %w", err))
		}
		m := graduation.NewMachine(
			deps.Curves,
			deps.Graduations,
			evm.NewDeployer(wallet, bytecode, logger),
			evm.NewLiquidityManager(wallet, deps.Network, logger),
			graduation.Config{
				StepTimeout:    cfg.Graduation.StepTimeout.Duration,
				LockTTL:        cfg.Graduation.LockTTL.Duration,
				LPLockDuration: cfg.Graduation.LPLockDuration.Duration,
				PoolShareBps:   cfg.Graduation.PoolShareBps,
			},
			logger,
		)
		m.SetAudit(deps.Audit)
		if deps.Locks != nil {
			m.SetLocks(deps.Locks)
		}
		if deps.Bus != nil {
			m.SetBus(deps.Bus)
		}
		if deps.CurveCache != nil {
			m.SetCache(deps.CurveCache)
		}
		if deps.Notifier.Enabled() {
			m.SetNotifier(deps.Notifier)
		}
		deps.Machine = m
	}

	var dexVenue service.TradeVenue
	if cfg.DEX.Enabled {
		venues := []domain.SwapVenue{
			dex.NewUniswapV3(wallet, deps.Network, cfg.DEX.FeeTiers, logger),
		}
		if cfg.DEX.OneInchAPIKey != "" {
			venues = append(venues, dex.NewOneInch(cfg.DEX.OneInchBaseURL, cfg.DEX.OneInchAPIKey, deps.Network, wallet, logger))
		}
		deps.Router = dex.NewRouter(deps.Graduations, deps.Trades, venues, cfg.DEX.DefaultSlippageBps, logger)
		if deps.Bus != nil {
			deps.Router.SetBus(deps.Bus)
		}
		dexVenue = deps.Router
	}

	// --- Executor ---
	exec := executor.NewExecutor(deps.Curves, deps.Graduations, risk.NewValidator(logger), logger)
	exec.SetAudit(deps.Audit)
	exec.SetMaxAttempts(uint(max(cfg.Trading.MaxAttempts, 0)))
	if deps.Bus != nil {
		exec.SetBus(deps.Bus)
	}
	if deps.CurveCache != nil {
		exec.SetCache(deps.CurveCache)
	}
	switch {
	case cfg.Graduation.Stream && deps.Bus != nil:
		exec.SetTrigger(graduation.NewStreamTrigger(deps.Bus, cfg.Graduation.StreamName))
	case deps.Machine != nil:
		deps.LocalRuns = graduation.NewLocalTrigger(ctx, deps.Machine, logger)
		exec.SetTrigger(deps.LocalRuns)
	}
	deps.Executor = exec

	// --- Services ---
	deps.TokenSvc = service.NewTokenService(deps.Curves, deps.CurveCache, deps.Audit, service.TokenDefaults{
		Curve:      curveDefaults(cfg.Curve),
		LockWindow: cfg.Curve.MEVLockWindow.Duration,
	}, logger)
	deps.TradeSvc = service.NewTradeService(deps.Curves, deps.Trades, exec, dexVenue, logger)

	var runner service.GraduationRunner = disabledRunner{}
	if deps.Machine != nil {
		runner = deps.Machine
	}
	deps.GradSvc = service.NewGraduationService(deps.Graduations, runner, deps.Audit, logger)

	// --- Archive ---
	if cfg.Archive.Enabled {
		bc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(bc), s3blob.NewReader(bc),
			deps.Trades, deps.Graduations, deps.Audit, logger,
		)
		deps.HealthCheck["s3"] = bc.Health
	}

	return deps, cleanup, nil
}

func resolveNetwork(nc config.NetworkConfig) (evm.NetworkConfig, error) {
	base, err := evm.LookupNetwork(nc.Name)
	if err != nil {
		return evm.NetworkConfig{}, err
	}
	return base.WithOverrides(evm.NetworkConfig{
		RPCURLs:        nc.RPCURLs,
		ChainID:        nc.ChainID,
		PromptToken:    nc.PromptToken,
		PromptDecimals: int32(nc.PromptDecimals),
		V2Router:       nc.V2Router,
		V2Factory:      nc.V2Factory,
		V3Quoter:       nc.V3Quoter,
		V3Router:       nc.V3Router,
		LPLocker:       nc.LPLocker,
		RPCTimeout:     nc.RPCTimeout.Duration,
		RPCMaxAttempts: uint(max(nc.RPCMaxAttempts, 0)),
	}), nil
}

func curveDefaults(c config.CurveConfig) domain.CurveConfig {
	return domain.CurveConfig{
		P0:                        c.P0,
		P1:                        c.P1,
		CurveSupply:               c.CurveSupply,
		LpReserve:                 c.LpReserve,
		PlatformAllocation:        c.PlatformAllocation,
		TotalSupply:               c.TotalSupply,
		GraduationMode:            domain.GraduationMode(c.GraduationMode),
		GraduationPromptThreshold: c.GraduationThreshold,
		TradingFeeBps:             c.TradingFeeBps,
		AgentFeeBps:               c.AgentFeeBps,
		PlatformFeeBps:            c.PlatformFeeBps,
		TargetMarketCapUSD:        c.TargetMarketCapUSD,
		PromptUSDRateAtCreation:   c.PromptUSDRate,
	}
}

func buildNotifier(nc config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if nc.TelegramToken != "" && nc.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(nc.TelegramAPIURL, nc.TelegramToken, nc.TelegramChatID))
	}
	if nc.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(nc.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, nc.Events, logger)
}

// disabledRunner answers graduation triggers in processes that do not run
// the state machine.
type disabledRunner struct{}

func (disabledRunner) Trigger(context.Context, string, string, bool) (domain.GraduationEvent, error) {
	return domain.GraduationEvent{}, fmt.Errorf("%w: graduation is not run by this process", domain.ErrNotEligible)
}

// archiveCutoff is the creation time before which records are archived.
func archiveCutoff(now time.Time, retentionDays int) time.Time {
	return now.UTC().AddDate(0, 0, -retentionDays)
}
