// Hourglass trading daemon. Wires config, database, exchange clients,
// market data feeds, and the trading engine, then runs until signalled.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hourglassbot/hourglass/internal/api"
	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/engine"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/market"
	"github.com/hourglassbot/hourglass/internal/metrics"
	"github.com/hourglassbot/hourglass/internal/notify"
	"github.com/hourglassbot/hourglass/internal/registry"
	"github.com/hourglassbot/hourglass/internal/risk"
	"github.com/hourglassbot/hourglass/internal/trading"
)

const metricsUpdateInterval = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", config.Version).
		Str("environment", cfg.App.Environment).
		Bool("simulation", cfg.Trading.SimulationMode).
		Msg("Starting hourglass")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
	}

	validator := config.NewValidator(cfg, config.DefaultValidatorOptions())
	if err := validator.ValidateStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Startup validation failed")
	}

	database, err := db.New(ctx, cfg.Database.URL, int32(cfg.Database.PoolSize))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	okx := exchange.NewOKX(cfg.Exchange.BaseURL, exchange.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
	}, risk.NewExchangeBreaker())

	var venue exchange.Exchange = okx
	if cfg.Trading.SimulationMode {
		venue = exchange.NewSimulated(okx)
		log.Warn().Msg("Simulation mode enabled, orders will not reach the exchange")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid Redis URL")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}
	precision := market.NewPrecisionCache(okx, redisClient, market.DefaultPrecisionTTL)

	var limits registry.LimitStore = database
	if cfg.Registry.Source == "file" {
		limits = registry.NewFileSource(cfg.Registry.FilePath)
		log.Info().Str("path", cfg.Registry.FilePath).Msg("Using file-based instrument registry")
	}

	var notifier trading.Notifier = trading.NopNotifier{}
	var telegram *notify.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram, err = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram notifier unavailable, continuing without notifications")
		} else {
			notifier = telegram
		}
	}

	eng := engine.New(engine.Deps{
		Cfg:       cfg,
		Store:     database,
		Venue:     venue,
		Tickers:   exchange.NewTickerFeed(cfg.Exchange.PublicWSURL),
		Candles:   exchange.NewCandleFeed(cfg.Exchange.BusinessWSURL),
		Limits:    limits,
		Precision: precision,
		Notifier:  notifier,
	})

	var metricsServer *metrics.Server
	var updater *metrics.Updater
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
		updater = metrics.NewUpdater(database.Pool(), metricsUpdateInterval)
		go updater.Start(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Port > 0 {
		apiServer = api.NewServer(api.Config{
			Host:   cfg.API.Host,
			Port:   cfg.API.Port,
			Store:  database,
			Engine: eng,
		})
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error().Err(err).Msg("API server stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- eng.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		select {
		case runErr = <-errChan:
		case <-time.After(30 * time.Second):
			log.Warn().Msg("Engine did not stop within the shutdown window")
		}
	case runErr = <-errChan:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}
	}
	if updater != nil {
		updater.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
	if telegram != nil {
		telegram.Close()
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("Engine exited with error")
		database.Close()
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
