// Package config defines the promptpad configuration tree, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by PROMPTPAD_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Store      StoreConfig      `toml:"store"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Curve      CurveConfig      `toml:"curve"`
	Trading    TradingConfig    `toml:"trading"`
	Graduation GraduationConfig `toml:"graduation"`
	Network    NetworkConfig    `toml:"network"`
	Wallet     WalletConfig     `toml:"wallet"`
	DEX        DEXConfig        `toml:"dex"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
}

// StoreConfig picks the persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	RunMigrations bool     `toml:"run_migrations"`
	LockTimeout   duration `toml:"lock_timeout"`
}

// RedisConfig holds Redis connection parameters. An empty Addr and URL
// disables Redis; locks, the bus and the curve cache then fall back to
// in-process implementations.
type RedisConfig struct {
	URL        string   `toml:"url"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CurveTTL   duration `toml:"curve_ttl"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Addr != ""
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
	WriteTimeout    duration `toml:"write_timeout"`
}

// CurveConfig holds the launch parameters applied to every new token.
type CurveConfig struct {
	P0                  float64  `toml:"p0"`
	P1                  float64  `toml:"p1"`
	CurveSupply         float64  `toml:"curve_supply"`
	LpReserve           float64  `toml:"lp_reserve"`
	PlatformAllocation  float64  `toml:"platform_allocation"`
	TotalSupply         float64  `toml:"total_supply"`
	GraduationThreshold float64  `toml:"graduation_threshold"`
	TradingFeeBps       int      `toml:"trading_fee_bps"`
	AgentFeeBps         int      `toml:"agent_fee_bps"`
	PlatformFeeBps      int      `toml:"platform_fee_bps"`
	MEVLockWindow       duration `toml:"mev_lock_window"`
	// GraduationMode is the default for tokens that do not pick one:
	// "database" (fixed threshold) or "smart_contract" (USD target).
	GraduationMode     string  `toml:"graduation_mode"`
	TargetMarketCapUSD float64 `toml:"target_market_cap_usd"`
	PromptUSDRate      float64 `toml:"prompt_usd_rate"`
}

// TradingConfig tunes the executor.
type TradingConfig struct {
	MaxAttempts int `toml:"max_attempts"`
}

type GraduationConfig struct {
	Enabled        bool     `toml:"enabled"`
	StepTimeout    duration `toml:"step_timeout"`
	LockTTL        duration `toml:"lock_ttl"`
	LPLockDuration duration `toml:"lp_lock_duration"`
	PoolShareBps   int      `toml:"pool_share_bps"`
	// Stream hands crossings to the worker through the Redis stream instead
	// of running them in-process.
	Stream       bool     `toml:"stream"`
	StreamName   string   `toml:"stream_name"`
	PollInterval duration `toml:"poll_interval"`
}

// NetworkConfig selects a predefined EVM network and overrides its fields.
type NetworkConfig struct {
	Name           string   `toml:"name"`
	RPCURLs        []string `toml:"rpc_urls"`
	ChainID        int64    `toml:"chain_id"`
	PromptToken    string   `toml:"prompt_token"`
	PromptDecimals int      `toml:"prompt_decimals"`
	V2Router       string   `toml:"v2_router"`
	V2Factory      string   `toml:"v2_factory"`
	V3Quoter       string   `toml:"v3_quoter"`
	V3Router       string   `toml:"v3_router"`
	LPLocker       string   `toml:"lp_locker"`
	RPCTimeout     duration `toml:"rpc_timeout"`
	RPCMaxAttempts int      `toml:"rpc_max_attempts"`
}

// WalletConfig holds the graduation wallet credentials.
type WalletConfig struct {
	PrivateKey        string `toml:"private_key"`
	EncryptedKeyPath  string `toml:"encrypted_key_path"`
	KeyPassword       string `toml:"key_password"`
	TokenBytecodePath string `toml:"token_bytecode_path"`
}

// HasKey reports whether any key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

type DEXConfig struct {
	Enabled            bool     `toml:"enabled"`
	FeeTiers           []uint32 `toml:"fee_tiers"`
	DefaultSlippageBps int      `toml:"default_slippage_bps"`
	OneInchBaseURL     string   `toml:"oneinch_base_url"`
	OneInchAPIKey      string   `toml:"oneinch_api_key"`
}

type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets TOML carry Go duration strings such as "90s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs the full service against in-memory
// stores with V7 curve parameters.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Store:    StoreConfig{Driver: "memory"},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
			LockTimeout:   duration{5 * time.Second},
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			CurveTTL:   duration{10 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "promptpad-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
			WriteTimeout:    duration{5 * time.Minute},
		},
		Curve: CurveConfig{
			P0:                  0.000001,
			P1:                  0.000104,
			CurveSupply:         800_000_000,
			LpReserve:           196_000_000,
			PlatformAllocation:  4_000_000,
			TotalSupply:         1_000_000_000,
			GraduationThreshold: 42_000,
			TradingFeeBps:       100,
			AgentFeeBps:         70,
			PlatformFeeBps:      30,
			MEVLockWindow:       duration{30 * time.Second},
			GraduationMode:      "database",
		},
		Trading: TradingConfig{MaxAttempts: 3},
		Graduation: GraduationConfig{
			Enabled:        false,
			StepTimeout:    duration{3 * time.Minute},
			LockTTL:        duration{10 * time.Minute},
			LPLockDuration: duration{10 * 365 * 24 * time.Hour},
			PoolShareBps:   7000,
			StreamName:     "stream:graduation",
			PollInterval:   duration{2 * time.Second},
		},
		Network: NetworkConfig{Name: "local"},
		DEX: DEXConfig{
			FeeTiers:           []uint32{500, 3000, 10000},
			DefaultSlippageBps: 100,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Notify: NotifyConfig{
			Events: []string{"graduation.completed", "graduation.failed", "graduation.liquidity_failed"},
		},
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validGraduationModes = map[string]bool{
	"database":       true,
	"smart_contract": true,
}

// Validate checks c and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: server, worker, full)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	switch c.Store.Driver {
	case "memory":
		if mode == "worker" || (mode == "server" && c.Graduation.Stream) {
			add("store: driver memory cannot be shared between processes; use postgres for mode %s", c.Mode)
		}
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				add("supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				add("supabase: port must be 1-65535, got %d", c.Supabase.Port)
			}
			if c.Supabase.Database == "" {
				add("supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			add("supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			add("supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		add("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver)
	}

	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}
	if c.Graduation.Stream && !c.Redis.Enabled() {
		add("graduation: stream requires redis")
	}

	if c.Server.Enabled && mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	cv := c.Curve
	if cv.P0 <= 0 || cv.P1 <= cv.P0 {
		add("curve: require 0 < p0 < p1, got p0=%g p1=%g", cv.P0, cv.P1)
	}
	if cv.CurveSupply <= 0 || cv.TotalSupply < cv.CurveSupply+cv.LpReserve+cv.PlatformAllocation {
		add("curve: total_supply must cover curve_supply + lp_reserve + platform_allocation")
	}
	if cv.GraduationThreshold <= 0 {
		add("curve: graduation_threshold must be > 0")
	}
	if cv.TradingFeeBps < 0 || cv.TradingFeeBps >= 10_000 {
		add("curve: trading_fee_bps must be in [0, 10000), got %d", cv.TradingFeeBps)
	}
	if cv.AgentFeeBps+cv.PlatformFeeBps != cv.TradingFeeBps {
		add("curve: agent_fee_bps + platform_fee_bps must equal trading_fee_bps")
	}
	if !validGraduationModes[cv.GraduationMode] {
		add("curve: unknown graduation_mode %q (valid: database, smart_contract)", cv.GraduationMode)
	}

	if c.Graduation.Enabled && mode != "server" {
		if !c.Wallet.HasKey() {
			add("wallet: private_key or encrypted_key_path is required when graduation is enabled")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			add("wallet: key_password is required when encrypted_key_path is set")
		}
		if c.Wallet.TokenBytecodePath == "" {
			add("wallet: token_bytecode_path is required when graduation is enabled")
		}
	}
	if c.Graduation.PoolShareBps <= 0 || c.Graduation.PoolShareBps > 10_000 {
		add("graduation: pool_share_bps must be in (0, 10000], got %d", c.Graduation.PoolShareBps)
	}
	if c.Network.Name == "" {
		add("network: name must not be empty")
	}

	if c.DEX.Enabled && !c.Wallet.HasKey() {
		add("dex: a wallet key is required to route graduated trades")
	}

	if c.Archive.Enabled {
		if c.Store.Driver != "postgres" {
			add("archive: requires store driver postgres")
		}
		if c.S3.Bucket == "" || c.S3.Region == "" {
			add("s3: bucket and region are required when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
