// Package config defines the capitalbot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are then
// overridden by CAPBOT_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Engine     EngineConfig     `toml:"engine"`
	Allocation AllocationConfig `toml:"allocation"`
	Sizing     SizingConfig     `toml:"sizing"`
	Exits      ExitsConfig      `toml:"exits"`
	Resilience ResilienceConfig `toml:"resilience"`
	Paper      PaperConfig      `toml:"paper"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds the ledger database connection.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection and key namespace.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
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

// ArchiveConfig schedules copying closed positions to S3. Each run archives
// the previous whole Window.
type ArchiveConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Window   duration `toml:"window"`
}

// EngineConfig tunes the decision cycle and its inputs.
type EngineConfig struct {
	Interval          duration `toml:"interval"`
	CycleBudget       duration `toml:"cycle_budget"`
	Workers           int      `toml:"workers"`
	LockTTL           duration `toml:"lock_ttl"`
	Strategy          string   `toml:"strategy"`
	LastKnownGoodTTL  duration `toml:"last_known_good_ttl"`
	DefaultVolatility float64  `toml:"default_volatility"`
	PriceTTL          duration `toml:"price_ttl"`
	PriceRatePerSec   float64  `toml:"price_rate_per_sec"`
	PriceBurst        int      `toml:"price_burst"`
	StreamBatchSize   int      `toml:"stream_batch_size"`
	StreamMaxBatches  int      `toml:"stream_max_batches"`
	SignalMaxAge      duration `toml:"signal_max_age"`
}

// AllocationConfig holds the capital allocation thresholds. Returns are in
// percent.
type AllocationConfig struct {
	MaxPositions         int     `toml:"max_positions"`
	MinPositionSize      float64 `toml:"min_position_size"`
	RiskTolerance        float64 `toml:"risk_tolerance"`
	OpportunityThreshold float64 `toml:"opportunity_threshold"`
	RotationTrigger      float64 `toml:"rotation_trigger"`
	RotationThreshold    float64 `toml:"rotation_threshold"`
	MinRotationGain      float64 `toml:"min_rotation_gain"`
	BearReturnFloor      float64 `toml:"bear_return_floor"`
	VolatileScale        float64 `toml:"volatile_scale"`
	BullScale            float64 `toml:"bull_scale"`
}

// SizingConfig bounds the balance-based fallback sizer, as fractions of the
// free balance.
type SizingConfig struct {
	BaseFraction float64 `toml:"base_fraction"`
	MinFraction  float64 `toml:"min_fraction"`
	MaxFraction  float64 `toml:"max_fraction"`
}

// ExitsConfig holds the default stop/take levels and overrides per strategy
// and symbol. Percentages are fractions (0.05 = 5%).
type ExitsConfig struct {
	StopLossPct   float64            `toml:"stop_loss_pct"`
	TakeProfitPct float64            `toml:"take_profit_pct"`
	Policies      []ExitPolicyConfig `toml:"policies"`
}

// ExitPolicyConfig overrides exits for one strategy, or one symbol of it.
// Symbol "*" or empty applies to the whole strategy.
type ExitPolicyConfig struct {
	Strategy      string  `toml:"strategy"`
	Symbol        string  `toml:"symbol"`
	StopLossPct   float64 `toml:"stop_loss_pct"`
	TakeProfitPct float64 `toml:"take_profit_pct"`
}

// GuardConfig tunes retry and circuit breaking for one upstream.
type GuardConfig struct {
	CallTimeout     duration `toml:"call_timeout"`
	MaxRetries      int      `toml:"max_retries"`
	InitialBackoff  duration `toml:"initial_backoff"`
	MaxBackoff      duration `toml:"max_backoff"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerTimeout  duration `toml:"breaker_timeout"`
}

// ResilienceConfig holds the guards for prices, balance and orders, and the
// order rate limit.
type ResilienceConfig struct {
	Prices          GuardConfig `toml:"prices"`
	Balance         GuardConfig `toml:"balance"`
	Orders          GuardConfig `toml:"orders"`
	OrderRateLimit  int         `toml:"order_rate_limit"`
	OrderRateWindow duration    `toml:"order_rate_window"`
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	StartingBalance float64 `toml:"starting_balance"`
	SlippageBps     float64 `toml:"slippage_bps"`
	FeeBps          float64 `toml:"fee_bps"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alert delivery settings.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
	DegradedCooldown  duration `toml:"degraded_cooldown"`
}

// duration decodes TOML strings such as "30s".
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

// Defaults returns a Config that runs a paper engine against local services.
func Defaults() Config {
	guard := GuardConfig{
		CallTimeout:     duration{2 * time.Second},
		MaxRetries:      2,
		InitialBackoff:  duration{100 * time.Millisecond},
		MaxBackoff:      duration{time.Second},
		BreakerFailures: 5,
		BreakerTimeout:  duration{30 * time.Second},
	}
	orders := guard
	orders.CallTimeout = duration{5 * time.Second}
	orders.MaxRetries = 0

	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "capitalbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "capbot:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "capitalbot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Window:   duration{24 * time.Hour},
		},
		Engine: EngineConfig{
			Interval:          duration{30 * time.Second},
			CycleBudget:       duration{20 * time.Second},
			Workers:           8,
			LockTTL:           duration{time.Minute},
			Strategy:          "allocator",
			LastKnownGoodTTL:  duration{5 * time.Minute},
			DefaultVolatility: 5,
			PriceTTL:          duration{time.Minute},
			PriceRatePerSec:   0,
			PriceBurst:        0,
			StreamBatchSize:   100,
			StreamMaxBatches:  10,
			SignalMaxAge:      duration{10 * time.Minute},
		},
		Allocation: AllocationConfig{
			MaxPositions:         10,
			MinPositionSize:      10,
			RiskTolerance:        0.1,
			OpportunityThreshold: 5,
			RotationTrigger:      0.6,
			RotationThreshold:    3,
			MinRotationGain:      10,
			BearReturnFloor:      30,
			VolatileScale:        0.75,
			BullScale:            1.2,
		},
		Sizing: SizingConfig{
			BaseFraction: 0.02,
			MinFraction:  0.005,
			MaxFraction:  0.10,
		},
		Exits: ExitsConfig{
			StopLossPct:   0.05,
			TakeProfitPct: 0.10,
		},
		Resilience: ResilienceConfig{
			Prices:          guard,
			Balance:         guard,
			Orders:          orders,
			OrderRateLimit:  30,
			OrderRateWindow: duration{time.Minute},
		},
		Paper: PaperConfig{
			StartingBalance: 10_000,
			SlippageBps:     5,
			FeeBps:          10,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:           []string{"position_opened", "position_closed", "cycle_failed"},
			QueueSize:        64,
			DegradedCooldown: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Modes: full runs everything, engine runs without the HTTP API, server
// serves the API and the stream with no scheduled cycles.
var validModes = map[string]bool{
	"full":   true,
	"engine": true,
	"server": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, engine, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			add("s3: endpoint and bucket are required when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 || c.Archive.Window.Duration <= 0 {
			add("archive: interval and window must be > 0")
		}
	}

	e := c.Engine
	if e.Interval.Duration <= 0 {
		add("engine: interval must be > 0")
	}
	if e.CycleBudget.Duration <= 0 || e.CycleBudget.Duration > e.Interval.Duration {
		add("engine: cycle_budget must be > 0 and not exceed interval")
	}
	if e.LockTTL.Duration < e.CycleBudget.Duration {
		add("engine: lock_ttl must be >= cycle_budget")
	}
	if e.Workers < 1 {
		add("engine: workers must be >= 1")
	}
	if e.Strategy == "" {
		add("engine: strategy must not be empty")
	}
	if e.PriceTTL.Duration <= 0 {
		add("engine: price_ttl must be > 0")
	}
	if e.DefaultVolatility <= 0 {
		add("engine: default_volatility must be > 0")
	}

	a := c.Allocation
	if a.MaxPositions < 1 {
		add("allocation: max_positions must be >= 1")
	}
	if a.MinPositionSize <= 0 {
		add("allocation: min_position_size must be > 0")
	}
	if a.RiskTolerance <= 0 || a.RiskTolerance > 1 {
		add("allocation: risk_tolerance must be in (0, 1], got %g", a.RiskTolerance)
	}
	if a.RotationTrigger <= 0 || a.RotationTrigger > 1 {
		add("allocation: rotation_trigger must be in (0, 1]")
	}
	if a.RotationThreshold < 1 {
		add("allocation: rotation_threshold must be >= 1")
	}
	if a.VolatileScale <= 0 || a.BullScale <= 0 {
		add("allocation: volatile_scale and bull_scale must be > 0")
	}

	s := c.Sizing
	if s.MinFraction <= 0 || s.MinFraction > s.BaseFraction || s.BaseFraction > s.MaxFraction || s.MaxFraction > 1 {
		add("sizing: need 0 < min_fraction <= base_fraction <= max_fraction <= 1")
	}

	if !validPct(c.Exits.StopLossPct) || !validPct(c.Exits.TakeProfitPct) {
		add("exits: stop_loss_pct and take_profit_pct must be in [0, 1)")
	}
	for i, p := range c.Exits.Policies {
		if p.Strategy == "" {
			add("exits.policies[%d]: strategy must not be empty", i)
		}
		if !validPct(p.StopLossPct) || !validPct(p.TakeProfitPct) {
			add("exits.policies[%d]: percentages must be in [0, 1)", i)
		}
	}

	for name, g := range map[string]GuardConfig{
		"prices":  c.Resilience.Prices,
		"balance": c.Resilience.Balance,
		"orders":  c.Resilience.Orders,
	} {
		if g.CallTimeout.Duration <= 0 {
			add("resilience.%s: call_timeout must be > 0", name)
		}
		if g.MaxRetries < 0 {
			add("resilience.%s: max_retries must be >= 0", name)
		}
		if g.BreakerFailures < 1 {
			add("resilience.%s: breaker_failures must be >= 1", name)
		}
	}

	if c.Paper.StartingBalance < 0 || c.Paper.SlippageBps < 0 || c.Paper.FeeBps < 0 {
		add("paper: starting_balance, slippage_bps and fee_bps must be >= 0")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validPct(v float64) bool { return v >= 0 && v < 1 }
