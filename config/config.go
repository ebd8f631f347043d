package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"signalbridge/internal/adapters/logger" // for LogLevel parsing
)

// Config holds all application configuration. Structure and limits come
// from the YAML file; broker credentials come from the environment
// (optionally via .env) and never from the file.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Risk     RiskConfig     `yaml:"risk"`
	Symbols  SymbolsConfig  `yaml:"symbols"`
	Registry RegistryConfig `yaml:"registry"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Derived, not in YAML.
	LogLevel    logger.LogLevel `yaml:"-"`
	DedupWindow time.Duration   `yaml:"-"`
}

// BrokerConfig covers the execution gateway.
type BrokerConfig struct {
	APIKey     string  `yaml:"-"` // BROKER_API_KEY
	SecretKey  string  `yaml:"-"` // BROKER_API_SECRET
	IsTestnet  bool    `yaml:"testnet"`
	VolumeStep float64 `yaml:"volume_step"`
}

// RiskConfig holds the recognized risk-validator options.
type RiskConfig struct {
	MinLot         float64 `yaml:"min_lot"`
	MaxLot         float64 `yaml:"max_lot"`
	DefaultLot     float64 `yaml:"default_lot"`
	MaxOpenTrades  int     `yaml:"max_open_trades"`
	MaxDailyTrades int     `yaml:"max_daily_trades"`
	MinRiskReward  float64 `yaml:"min_risk_reward"`
	RequireSLTP    bool    `yaml:"require_sl_tp"`
}

// SymbolsConfig maps free-text keywords to instrument codes.
type SymbolsConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

// RegistryConfig covers the durable trade store.
type RegistryConfig struct {
	DBPath             string `yaml:"db_path"`
	DedupWindowSeconds int    `yaml:"dedup_window_seconds"`
	QueueSize          int    `yaml:"queue_size"`
}

// LoggingConfig selects the log level (also overridable via LOG_LEVEL).
type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			IsTestnet:  true, // live trading is always opt-in
			VolumeStep: 0.01,
		},
		Risk: RiskConfig{
			MinLot:         0.01,
			MaxLot:         5.0,
			DefaultLot:     0.1,
			MaxOpenTrades:  5,
			MaxDailyTrades: 10,
			MinRiskReward:  1.0,
			RequireSLTP:    true,
		},
		Symbols: SymbolsConfig{
			Aliases: map[string]string{
				"gold":   "XAUUSD",
				"xau":    "XAUUSD",
				"silver": "XAGUSD",
			},
		},
		Registry: RegistryConfig{
			DBPath:             "./data/trades.db",
			DedupWindowSeconds: 90,
			QueueSize:          64,
		},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// Load reads configuration from the YAML file at path (optional: defaults
// apply when it is absent) plus environment variables. A .env file is
// honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults plus environment are a full configuration.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Environment overrides
	cfg.Broker.APIKey = os.Getenv("BROKER_API_KEY")
	cfg.Broker.SecretKey = os.Getenv("BROKER_API_SECRET")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Registry.DBPath = v
	}

	var errs []string
	if cfg.Broker.APIKey == "" {
		errs = append(errs, "BROKER_API_KEY must be set")
	}
	if cfg.Broker.SecretKey == "" {
		errs = append(errs, "BROKER_API_SECRET must be set")
	}
	if cfg.Broker.VolumeStep <= 0 {
		errs = append(errs, "broker.volume_step must be positive")
	}
	if cfg.Risk.MinLot <= 0 || cfg.Risk.MaxLot < cfg.Risk.MinLot {
		errs = append(errs, "risk.min_lot/max_lot bounds are invalid")
	}
	if cfg.Risk.DefaultLot < cfg.Risk.MinLot || cfg.Risk.DefaultLot > cfg.Risk.MaxLot {
		errs = append(errs, "risk.default_lot must lie within [min_lot, max_lot]")
	}
	if cfg.Risk.MaxOpenTrades <= 0 {
		errs = append(errs, "risk.max_open_trades must be positive")
	}
	if cfg.Risk.MaxDailyTrades <= 0 {
		errs = append(errs, "risk.max_daily_trades must be positive")
	}
	if cfg.Risk.MinRiskReward < 0 {
		errs = append(errs, "risk.min_risk_reward cannot be negative")
	}
	if cfg.Registry.DBPath == "" {
		errs = append(errs, "registry.db_path must be set")
	}
	if cfg.Registry.DedupWindowSeconds <= 0 {
		errs = append(errs, "registry.dedup_window_seconds must be positive")
	}
	for keyword, symbol := range cfg.Symbols.Aliases {
		if strings.TrimSpace(keyword) == "" || strings.TrimSpace(symbol) == "" {
			errs = append(errs, "symbols.aliases entries must be non-empty")
			break
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	cfg.LogLevel = logger.ParseLevel(cfg.Logging.Level)
	cfg.DedupWindow = time.Duration(cfg.Registry.DedupWindowSeconds) * time.Second
	return cfg, nil
}
