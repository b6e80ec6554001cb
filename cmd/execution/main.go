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

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/exchange"
	"github.com/quantarc/blockflow/internal/execution"
	"github.com/quantarc/blockflow/internal/metrics"
)

const serviceName = "execution"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "execution:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewServiceLogger(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Execution service failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cache.New(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	defer c.Close()
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("cache unavailable: %w", err)
	}

	connector, err := exchange.NewFromConfig(cfg.Exchange, cfg.Execution.AccountEquity, logger)
	if err != nil {
		return err
	}
	if err := connector.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize exchange connector: %w", err)
	}
	defer connector.Close()

	b, err := bus.Connect(bus.Config{
		URL:            cfg.NATS.URL,
		Name:           "blockflow-" + serviceName,
		PublishTimeout: cfg.NATS.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer b.Close()

	for _, ex := range []string{bus.ExchangeStrategy, bus.ExchangeExecution, bus.ExchangeSystem} {
		if err := b.DeclareExchange(ex); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}
	if err := b.DeclareQueue(bus.QueueStrategySignals); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeStrategy, bus.QueueStrategySignals, bus.PatternSignals); err != nil {
		return err
	}

	pipeline := execution.NewPipeline(cfg.Execution, cfg.Exchange.Name, c, b, connector, logger)

	if err := b.Subscribe(ctx, bus.QueueStrategySignals, pipeline.HandleSignalEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueStrategySignals, err)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	publishLifecycle(b, logger, "started")
	logger.Info().
		Str("exchange", cfg.Exchange.Name).
		Bool("testnet", cfg.Exchange.Testnet).
		Float64("risk_per_trade", cfg.Execution.RiskPerTrade).
		Msg("Execution service started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down execution service")
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
