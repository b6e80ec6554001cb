package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/indicator"
	"github.com/quantarc/blockflow/internal/repo"
	"github.com/quantarc/blockflow/internal/strategy"
	"github.com/quantarc/blockflow/pkg/backtest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to config file")
		exchange   = flag.String("exchange", "", "exchange to replay (defaults to strategy.exchange)")
		symbol     = flag.String("symbol", "BTC-USD", "symbol to replay")
		timeframe  = flag.String("timeframe", "1h", "timeframe to replay")
		from       = flag.String("from", "", "replay start, RFC3339 or YYYY-MM-DD")
		to         = flag.String("to", "", "replay end, RFC3339 or YYYY-MM-DD (defaults to now)")
		capital    = flag.Float64("capital", 10000, "initial capital")
		commission = flag.Float64("commission", 0.001, "commission rate per fill")
		maxCandles = flag.Int("max-candles", 100000, "maximum candles to load")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewServiceLogger("backtest")

	start, err := parseTime(*from)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	if start.IsZero() {
		return fmt.Errorf("-from is required")
	}
	end, err := parseTime(*to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	runCfg := backtest.DefaultConfig()
	runCfg.Exchange = cfg.Strategy.Exchange
	if *exchange != "" {
		runCfg.Exchange = *exchange
	}
	runCfg.Symbol = *symbol
	runCfg.Timeframe = *timeframe
	runCfg.InitialCapital = *capital
	runCfg.RiskPerTrade = cfg.Execution.RiskPerTrade
	runCfg.CommissionRate = *commission
	runCfg.CandleWindow = cfg.Strategy.CandleWindow

	ctx := context.Background()

	db, err := repo.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	candles, err := db.Candles().FindCandles(ctx, runCfg.Exchange, runCfg.Symbol, runCfg.Timeframe, start, end, *maxCandles)
	if err != nil {
		return fmt.Errorf("failed to load candles: %w", err)
	}
	logger.Info().
		Str("symbol", runCfg.Symbol).
		Str("timeframe", runCfg.Timeframe).
		Int("candles", len(candles)).
		Time("from", start).
		Time("to", end).
		Msg("Loaded replay window")

	// Replays track blocks in memory so repeated runs never touch live state
	blocks := backtest.NewMemoryBlockRepository()
	threshold := cfg.Strategy.MitigationThreshold

	dag := indicator.NewDAG(logger)
	dag.Register(indicator.NewDoji(0))
	dag.Register(indicator.NewFVG())
	dag.Register(indicator.NewBOS())
	dag.Register(indicator.NewMomentum(0))
	dag.Register(indicator.NewOrderBlock(blocks, threshold), indicator.TypeDoji, indicator.TypeFVG, indicator.TypeBOS)
	dag.Register(indicator.NewHiddenOrderBlock(blocks, threshold), indicator.TypeFVG, indicator.TypeBOS)

	strat := strategy.NewOrderBlockStrategy([]string{runCfg.Timeframe}, cfg.Strategy.MinRiskReward, cfg.Strategy.MinRiskReward)
	engine := backtest.NewEngine(runCfg, dag, strat, strategy.NewStaticContextProvider(), logger)

	report, err := engine.Run(ctx, candles)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// parseTime accepts RFC3339 or a bare date
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
