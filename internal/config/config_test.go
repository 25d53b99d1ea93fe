package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMarginRates(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaintenanceMarginRate = cfg.Engine.InitialMarginRate

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maintenance_margin_rate")
}

func TestValidateRejectsArchiveWithoutS3(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.Enabled = true
	cfg.S3.Enabled = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "engine"
log_level = "debug"

[engine]
tick_interval = "500ms"
initial_margin_rate = 0.05
maintenance_margin_rate = 0.01

[[engine.instruments]]
symbol = "dogeusdt"
max_leverage = 10
enabled = true

[feed]
symbols = ["BTCUSDT"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("LEVERD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("LEVERD_ENGINE_TICK_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.InDelta(t, 0.05, cfg.Engine.InitialMarginRate, 1e-9)
	// Env wins over the file.
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval.Duration)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	// Defaults survive for untouched sections.
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestInstrumentSetMergesFeedSymbols(t *testing.T) {
	cfg := Defaults()
	cfg.Feed.Symbols = []string{"btcusdt", "ETHUSDT"}
	cfg.Engine.DefaultMaxLeverage = 20
	cfg.Engine.Instruments = []InstrumentConfig{
		{Symbol: "ethusdt", MaxLeverage: 50, Enabled: true},
		{Symbol: "SOLUSDT", MaxLeverage: 10, Enabled: false},
	}

	set := cfg.InstrumentSet()

	eth := set.Get("ETHUSDT")
	assert.InDelta(t, 50.0, eth.MaxLeverage, 1e-9)
	assert.True(t, eth.Enabled)

	btc := set.Get("BTCUSDT")
	assert.InDelta(t, 20.0, btc.MaxLeverage, 1e-9)
	assert.True(t, btc.Enabled)

	sol := set.Get("SOLUSDT")
	assert.False(t, sol.Enabled)
}
