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
	"github.com/quantarc/blockflow/internal/indicator"
	"github.com/quantarc/blockflow/internal/metrics"
	"github.com/quantarc/blockflow/internal/mitigation"
	"github.com/quantarc/blockflow/internal/repo"
	"github.com/quantarc/blockflow/internal/strategy"
)

const serviceName = "strategy"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "strategy:", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewServiceLogger(serviceName)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Strategy service failed")
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

	for _, ex := range []string{bus.ExchangeMarketData, bus.ExchangeStrategy, bus.ExchangeSystem} {
		if err := b.DeclareExchange(ex); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex, err)
		}
	}
	if err := b.DeclareQueue(bus.QueueDataEvents); err != nil {
		return err
	}
	if err := b.BindQueue(bus.ExchangeMarketData, bus.QueueDataEvents, bus.PatternCandles); err != nil {
		return err
	}

	blocks := db.Instances()
	threshold := cfg.Strategy.MitigationThreshold

	orderBlocks := indicator.NewOrderBlock(blocks, threshold)
	hiddenBlocks := indicator.NewHiddenOrderBlock(blocks, threshold)

	dag := indicator.NewDAG(logger)
	dag.Register(indicator.NewDoji(0))
	dag.Register(indicator.NewFVG())
	dag.Register(indicator.NewBOS())
	dag.Register(indicator.NewMomentum(0))
	dag.Register(orderBlocks, indicator.TypeDoji, indicator.TypeFVG, indicator.TypeBOS)
	dag.Register(hiddenBlocks, indicator.TypeFVG, indicator.TypeBOS)

	engine := mitigation.NewEngine(logger, nil)
	if err := engine.Register(orderBlocks); err != nil {
		return err
	}
	if err := engine.Register(hiddenBlocks); err != nil {
		return err
	}

	runner, err := strategy.NewRunner(cfg.Strategy, c, b, dag, engine, strategy.NewCacheContextProvider(c), logger)
	if err != nil {
		return err
	}
	runner.SetBlockStore(blocks)

	strat := strategy.NewOrderBlockStrategy(cfg.Strategy.Timeframes, cfg.Strategy.MinRiskReward, cfg.Strategy.MinRiskReward)
	if err := runner.RegisterStrategy(strat); err != nil {
		return err
	}

	runner.Start(ctx)
	defer runner.Close()

	if err := b.Subscribe(ctx, bus.QueueDataEvents, runner.HandleCandleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", bus.QueueDataEvents, err)
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
		Strs("symbols", cfg.Strategy.Symbols).
		Strs("timeframes", cfg.Strategy.Timeframes).
		Msg("Strategy service started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down strategy service")
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
