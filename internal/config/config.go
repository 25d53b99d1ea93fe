// Package config defines the top-level configuration for leverd and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/papertrade/leverd/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LEVERD_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Engine   EngineConfig   `toml:"engine"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds the external mark-price feed parameters.
type FeedConfig struct {
	WsURL   string   `toml:"ws_url"`
	Symbols []string `toml:"symbols"`
}

// EngineConfig holds the risk engine parameters.
type EngineConfig struct {
	TickInterval          duration           `toml:"tick_interval"`
	InitialMarginRate     float64            `toml:"initial_margin_rate"`
	MaintenanceMarginRate float64            `toml:"maintenance_margin_rate"`
	DefaultMaxLeverage    float64            `toml:"default_max_leverage"`
	DistributedLock       bool               `toml:"distributed_lock"`
	Instruments           []InstrumentConfig `toml:"instruments"`
}

// InstrumentConfig declares one tradeable instrument and its leverage ceiling.
type InstrumentConfig struct {
	Symbol      string  `toml:"symbol"`
	MaxLeverage float64 `toml:"max_leverage"`
	Enabled     bool    `toml:"enabled"`
}

// ArchiveConfig holds the trade archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "leverd",
			User:          "leverd",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leverd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WsURL:   "wss://fstream.binance.com/stream",
			Symbols: []string{"BTCUSDT", "ETHUSDT"},
		},
		Engine: EngineConfig{
			TickInterval:          duration{time.Second},
			InitialMarginRate:     0.10,
			MaintenanceMarginRate: 0.0125,
			DefaultMaxLeverage:    domain.DefaultMaxLeverage,
			DistributedLock:       false,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// Run modes. Serve exposes the HTTP API only, engine runs the price feed and
// position monitors only, full runs both in one process.
const (
	ModeServe  = "serve"
	ModeEngine = "engine"
	ModeFull   = "full"
)

var validModes = map[string]bool{
	ModeServe:  true,
	ModeEngine: true,
	ModeFull:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for inconsistencies and returns an error
// describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, engine, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when s3 is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when s3 is enabled")
		}
	}
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: s3 must be enabled when archive is enabled")
	}
	if c.Archive.Enabled && c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}

	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must not be empty")
	}
	if mode := strings.ToLower(c.Mode); mode == ModeEngine || mode == ModeFull {
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: at least one symbol is required for mode "+mode)
		}
	}

	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be positive")
	}
	if c.Engine.InitialMarginRate <= 0 || c.Engine.InitialMarginRate >= 1 {
		errs = append(errs, fmt.Sprintf("engine: initial_margin_rate must be in (0, 1), got %v", c.Engine.InitialMarginRate))
	}
	if c.Engine.MaintenanceMarginRate <= 0 || c.Engine.MaintenanceMarginRate >= c.Engine.InitialMarginRate {
		errs = append(errs, fmt.Sprintf("engine: maintenance_margin_rate must be in (0, initial_margin_rate), got %v", c.Engine.MaintenanceMarginRate))
	}
	if c.Engine.DefaultMaxLeverage < 1 {
		errs = append(errs, fmt.Sprintf("engine: default_max_leverage must be >= 1, got %v", c.Engine.DefaultMaxLeverage))
	}
	for i, inst := range c.Engine.Instruments {
		if strings.TrimSpace(inst.Symbol) == "" {
			errs = append(errs, fmt.Sprintf("engine: instruments[%d]: symbol must not be empty", i))
		}
		if inst.MaxLeverage < 1 {
			errs = append(errs, fmt.Sprintf("engine: instruments[%d]: max_leverage must be >= 1, got %v", i, inst.MaxLeverage))
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InstrumentSet builds the domain instrument lookup from the configured
// instruments. Symbols are upper-cased; the feed symbols are merged in as
// enabled instruments at the default ceiling when not explicitly declared.
func (c *Config) InstrumentSet() domain.InstrumentSet {
	set := make(domain.InstrumentSet, len(c.Engine.Instruments)+len(c.Feed.Symbols))
	for _, inst := range c.Engine.Instruments {
		sym := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		set[sym] = domain.Instrument{
			Symbol:      sym,
			MaxLeverage: inst.MaxLeverage,
			Enabled:     inst.Enabled,
		}
	}
	for _, sym := range c.Feed.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if _, ok := set[sym]; !ok {
			set[sym] = domain.Instrument{
				Symbol:      sym,
				MaxLeverage: c.Engine.DefaultMaxLeverage,
				Enabled:     true,
			}
		}
	}
	return set
}
