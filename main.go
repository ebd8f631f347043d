package main

import (
	"context"
	"flag"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"signalbridge/config"
	"signalbridge/internal/adapters/binanceclient"
	"signalbridge/internal/adapters/logger"
	"signalbridge/internal/adapters/sqlite"
	"signalbridge/internal/app"
	"signalbridge/internal/correlate"
	"signalbridge/internal/risk"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Trade Registry (Database Adapter)
	registry, err := sqlite.NewRegistry(sqlite.Config{
		DBPath:      cfg.Registry.DBPath,
		Logger:      appLogger,
		DedupWindow: cfg.DedupWindow,
		VolumeStep:  cfg.Broker.VolumeStep,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trade registry")
		log.Fatalf("FATAL: Failed to initialize trade registry: %v", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade registry")
		}
	}()
	appLogger.Info(context.Background(), "Trade registry initialized", map[string]interface{}{"dbPath": cfg.Registry.DBPath})

	// 4. Initialize Execution Gateway (Binance Adapter)
	gateway, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.Broker.APIKey,
		SecretKey:  cfg.Broker.SecretKey,
		UseTestnet: cfg.Broker.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance gateway")
		log.Fatalf("FATAL: Failed to initialize Binance gateway: %v", err)
	}
	appLogger.Info(context.Background(), "Binance gateway initialized")

	// The gateway's ticket index only lives in memory; seed it from the
	// registry so reloaded trades stay addressable across restarts.
	active, err := registry.ListActive(context.Background())
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to list active trades")
		log.Fatalf("FATAL: Failed to list active trades: %v", err)
	}
	tracked := make([]binanceclient.TrackedPosition, 0, len(active))
	for _, t := range active {
		tracked = append(tracked, binanceclient.TrackedPosition{
			Ticket: t.BrokerTicket,
			Symbol: t.Symbol,
			Side:   t.Side,
			Volume: t.RemainingVolume,
		})
	}
	gateway.Prime(tracked)

	// 5. Initialize Risk Validator
	validator, err := risk.NewValidator(risk.Config{
		MinLot:         cfg.Risk.MinLot,
		MaxLot:         cfg.Risk.MaxLot,
		DefaultLot:     cfg.Risk.DefaultLot,
		MaxOpenTrades:  cfg.Risk.MaxOpenTrades,
		MaxDailyTrades: cfg.Risk.MaxDailyTrades,
		MinRiskReward:  cfg.Risk.MinRiskReward,
		RequireSLTP:    cfg.Risk.RequireSLTP,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk validator")
		log.Fatalf("FATAL: Failed to initialize risk validator: %v", err)
	}
	appLogger.Info(context.Background(), "Risk validator initialized")

	// 6. Initialize Correlation Engine
	correlator, err := correlate.NewEngine(correlate.Config{
		SymbolAliases: cfg.Symbols.Aliases,
		VolumeStep:    cfg.Broker.VolumeStep,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize correlation engine")
		log.Fatalf("FATAL: Failed to initialize correlation engine: %v", err)
	}

	// 7. Initialize Orchestration Service
	service, err := app.NewService(app.Config{
		SymbolAliases: cfg.Symbols.Aliases,
		QueueSize:     cfg.Registry.QueueSize,
	}, appLogger, registry, gateway, validator, correlator)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize orchestration service")
		log.Fatalf("FATAL: Failed to initialize orchestration service: %v", err)
	}
	appLogger.Info(context.Background(), "Orchestration service initialized")

	// 8. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Orchestration service exited with error")
		log.Fatalf("FATAL: Orchestration service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
