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
	"golang.org/x/sync/errgroup"

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/exchange"
	"github.com/quantarc/blockflow/internal/metrics"
	"github.com/quantarc/blockflow/internal/monitor"
)

const serviceName = "monitoring"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitoring:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewServiceLogger(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Monitoring service failed")
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

	for _, ex := range []string{bus.ExchangeExecution, bus.ExchangeSystem} {
		if err := b.DeclareExchange(ex); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}
	if err := b.DeclareQueue(bus.QueueExecutionOrders); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeExecution, bus.QueueExecutionOrders, bus.PatternOrders); err != nil {
		return err
	}
	if err := b.DeclareQueue(bus.QueueSystemEvents); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeSystem, bus.QueueSystemEvents, bus.PatternServiceEvents); err != nil {
		return err
	}

	tracker := monitor.NewTracker(monitor.NewHistory(cfg.Monitoring.AlertHistory), logger)
	tracker.AddSink(monitor.NewLogSink(logger))
	if cfg.Monitoring.TelegramToken != "" {
		telegram, err := monitor.NewTelegramSink(cfg.Monitoring.TelegramToken, cfg.Monitoring.TelegramChatIDs, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram sink: %w", err)
		}
		tracker.AddSink(telegram)
	}

	if err := b.Subscribe(ctx, bus.QueueExecutionOrders, tracker.HandleOrderEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueExecutionOrders, err)
	}
	if err := b.Subscribe(ctx, bus.QueueSystemEvents, tracker.HandleServiceEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueSystemEvents, err)
	}

	server := monitor.NewServer(monitor.ServerConfig{
		Port:      cfg.Monitoring.HTTPPort,
		Cache:     c,
		Connector: connector,
		Tracker:   tracker,
		Logger:    logger,
	})

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, logger)
		if err := metricsSrv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(server.Start)
	group.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("API server shutdown failed")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Metrics server shutdown failed")
			}
		}
		return nil
	})

	publishLifecycle(b, logger, "started")
	logger.Info().Int("port", cfg.Monitoring.HTTPPort).Msg("Monitoring service started")

	err = group.Wait()
	publishLifecycle(b, logger, "stopped")
	logger.Info().Msg("Monitoring service stopped")
	return err
}

func publishLifecycle(b *bus.Bus, logger zerolog.Logger, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	evt := domain.ServiceEvent{Service: serviceName, Event: event, Timestamp: time.Now().UTC()}
	if err := b.Publish(ctx, bus.ExchangeSystem, bus.ServiceEventKey(serviceName, event), evt); err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("Failed to publish service lifecycle event")
	}
}
