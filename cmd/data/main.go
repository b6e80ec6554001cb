package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/aggregator"
	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/metrics"
	"github.com/quantarc/blockflow/internal/repo"
)

const serviceName = "data"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "data:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewServiceLogger(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Data service failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mappings, err := config.LoadTimeframeMappings(cfg.Aggregator.MappingsFile)
	if err != nil {
		return fmt.Errorf("failed to load timeframe mappings: %w", err)
	}

	c := cache.New(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	defer c.Close()
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("cache unavailable: %w", err)
	}

	db, err := repo.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	b, err := bus.Connect(bus.Config{
		URL:            cfg.NATS.URL,
		Name:           "blockflow-" + serviceName,
		PublishTimeout: cfg.NATS.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer b.Close()

	for _, ex := range []string{bus.ExchangeMarketData, bus.ExchangeSystem} {
		if err := b.DeclareExchange(ex); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}
	if err := b.DeclareQueue(bus.QueueExternalData); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeMarketData, bus.QueueExternalData, bus.PatternExternalCandles); err != nil {
		return err
	}
	if err := b.DeclareQueue(bus.QueueCandlesData); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeMarketData, bus.QueueCandlesData, bus.PatternCandles); err != nil {
		return err
	}

	agg := aggregator.New(c, b, mappings, logger)
	agg.SetPartialTTL(cfg.Aggregator.PartialTTL)
	agg.SetMaxRetries(cfg.Aggregator.WriteRetries)
	persister := aggregator.NewPersister(db.Candles(), c, cfg.Aggregator.PartialTTL, logger)

	if err := b.Subscribe(ctx, bus.QueueExternalData, agg.HandleExternalCandle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueExternalData, err)
	}
	if err := b.Subscribe(ctx, bus.QueueCandlesData, persister.HandleCandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueCandlesData, err)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	publishLifecycle(b, logger, "started")
	logger.Info().Msg("Data service started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down data service")
	publishLifecycle(b, logger, "stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return nil
}

func publishLifecycle(b *bus.Bus, logger zerolog.Logger, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt := domain.ServiceEvent{Service: serviceName, Event: event, Timestamp: time.Now().UTC()}
	if err := b.Publish(ctx, bus.ExchangeSystem, bus.ServiceEventKey(serviceName, event), evt); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("Failed to publish service lifecycle event")
	}
}
