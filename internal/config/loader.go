package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults, loads .env when present,
// then applies CAPBOT_* overrides. An empty path uses defaults and the
// environment only. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the TOML file. Only non-empty variables apply.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "CAPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CAPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CAPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CAPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CAPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CAPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CAPBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CAPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CAPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CAPBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "CAPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CAPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CAPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CAPBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "CAPBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "CAPBOT_REDIS_KEY_PREFIX")

	setStr(&cfg.S3.Endpoint, "CAPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CAPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CAPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CAPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CAPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CAPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CAPBOT_S3_FORCE_PATH_STYLE")

	setBool(&cfg.Archive.Enabled, "CAPBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "CAPBOT_ARCHIVE_INTERVAL")

	setDuration(&cfg.Engine.Interval, "CAPBOT_ENGINE_INTERVAL")
	setDuration(&cfg.Engine.CycleBudget, "CAPBOT_ENGINE_CYCLE_BUDGET")
	setInt(&cfg.Engine.Workers, "CAPBOT_ENGINE_WORKERS")
	setStr(&cfg.Engine.Strategy, "CAPBOT_ENGINE_STRATEGY")

	setInt(&cfg.Allocation.MaxPositions, "CAPBOT_ALLOCATION_MAX_POSITIONS")
	setFloat64(&cfg.Allocation.MinPositionSize, "CAPBOT_ALLOCATION_MIN_POSITION_SIZE")
	setFloat64(&cfg.Allocation.RiskTolerance, "CAPBOT_ALLOCATION_RISK_TOLERANCE")
	setFloat64(&cfg.Allocation.OpportunityThreshold, "CAPBOT_ALLOCATION_OPPORTUNITY_THRESHOLD")
	setFloat64(&cfg.Allocation.RotationThreshold, "CAPBOT_ALLOCATION_ROTATION_THRESHOLD")

	setFloat64(&cfg.Exits.StopLossPct, "CAPBOT_EXITS_STOP_LOSS_PCT")
	setFloat64(&cfg.Exits.TakeProfitPct, "CAPBOT_EXITS_TAKE_PROFIT_PCT")

	setFloat64(&cfg.Paper.StartingBalance, "CAPBOT_PAPER_STARTING_BALANCE")

	setBool(&cfg.Server.Enabled, "CAPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CAPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CAPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CAPBOT_SERVER_API_KEY")

	setStr(&cfg.Notify.TelegramToken, "CAPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CAPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CAPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CAPBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "CAPBOT_MODE")
	setStr(&cfg.LogLevel, "CAPBOT_LOG_LEVEL")
}

// Typed env helpers. Unparseable values leave the target unchanged.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
