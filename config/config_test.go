package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbridge/internal/adapters/logger"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("BROKER_API_KEY", "test-key")
	t.Setenv("BROKER_API_SECRET", "test-secret")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults apply when the file is absent", func(t *testing.T) {
		setCredentials(t)
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)

		assert.True(t, cfg.Broker.IsTestnet)
		assert.Equal(t, 0.1, cfg.Risk.DefaultLot)
		assert.Equal(t, 10, cfg.Risk.MaxDailyTrades)
		assert.Equal(t, "XAUUSD", cfg.Symbols.Aliases["gold"])
		assert.Equal(t, 90*time.Second, cfg.DedupWindow)
		assert.Equal(t, logger.LevelInfo, cfg.LogLevel)
	})

	t.Run("file values override defaults", func(t *testing.T) {
		setCredentials(t)
		path := writeConfig(t, `
broker:
  testnet: false
  volume_step: 0.1
risk:
  max_daily_trades: 3
  min_risk_reward: 2.5
symbols:
  aliases:
    cable: GBPUSD
registry:
  dedup_window_seconds: 30
logging:
  level: DEBUG
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.False(t, cfg.Broker.IsTestnet)
		assert.Equal(t, 0.1, cfg.Broker.VolumeStep)
		assert.Equal(t, 3, cfg.Risk.MaxDailyTrades)
		assert.Equal(t, 2.5, cfg.Risk.MinRiskReward)
		assert.Equal(t, "GBPUSD", cfg.Symbols.Aliases["cable"])
		assert.Equal(t, 30*time.Second, cfg.DedupWindow)
		assert.Equal(t, logger.LevelDebug, cfg.LogLevel)
		// Untouched sections keep their defaults.
		assert.Equal(t, 0.01, cfg.Risk.MinLot)
	})

	t.Run("credentials come from the environment only", func(t *testing.T) {
		setCredentials(t)
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "test-key", cfg.Broker.APIKey)
		assert.Equal(t, "test-secret", cfg.Broker.SecretKey)
	})

	t.Run("missing credentials fail validation", func(t *testing.T) {
		t.Setenv("BROKER_API_KEY", "")
		t.Setenv("BROKER_API_SECRET", "")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BROKER_API_KEY")
		assert.Contains(t, err.Error(), "BROKER_API_SECRET")
	})

	t.Run("env overrides beat the file", func(t *testing.T) {
		setCredentials(t)
		t.Setenv("LOG_LEVEL", "ERROR")
		t.Setenv("DB_PATH", "/tmp/override.db")
		path := writeConfig(t, "logging:\n  level: DEBUG\n")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, logger.LevelError, cfg.LogLevel)
		assert.Equal(t, "/tmp/override.db", cfg.Registry.DBPath)
	})

	t.Run("invalid risk bounds are collected", func(t *testing.T) {
		setCredentials(t)
		path := writeConfig(t, `
risk:
  min_lot: 1.0
  max_lot: 0.5
  max_open_trades: 0
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_lot")
		assert.Contains(t, err.Error(), "max_open_trades")
	})

	t.Run("malformed YAML is an error", func(t *testing.T) {
		setCredentials(t)
		path := writeConfig(t, "risk: [not a map")
		_, err := Load(path)
		assert.Error(t, err)
	})
}
