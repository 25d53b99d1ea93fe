package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEVERD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEVERD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEVERD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "LEVERD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEVERD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEVERD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEVERD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEVERD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEVERD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEVERD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEVERD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEVERD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEVERD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVERD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVERD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVERD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVERD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVERD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "LEVERD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "LEVERD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVERD_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVERD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVERD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVERD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVERD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVERD_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "LEVERD_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "LEVERD_FEED_SYMBOLS")

	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "LEVERD_ENGINE_TICK_INTERVAL")
	setFloat64(&cfg.Engine.InitialMarginRate, "LEVERD_ENGINE_INITIAL_MARGIN_RATE")
	setFloat64(&cfg.Engine.MaintenanceMarginRate, "LEVERD_ENGINE_MAINTENANCE_MARGIN_RATE")
	setFloat64(&cfg.Engine.DefaultMaxLeverage, "LEVERD_ENGINE_DEFAULT_MAX_LEVERAGE")
	setBool(&cfg.Engine.DistributedLock, "LEVERD_ENGINE_DISTRIBUTED_LOCK")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVERD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LEVERD_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LEVERD_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "LEVERD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "LEVERD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEVERD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "LEVERD_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVERD_MODE")
	setStr(&cfg.LogLevel, "LEVERD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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
