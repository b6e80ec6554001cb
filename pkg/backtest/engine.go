// Package backtest replays historical candles through the strategy stack
// and simulates fills against the signal's own price levels.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
	"github.com/quantarc/blockflow/internal/strategy"
)

// Config configures a backtest run
type Config struct {
	Exchange       string
	Symbol         string
	Timeframe      string
	InitialCapital float64
	RiskPerTrade   float64
	CommissionRate float64
	CandleWindow   int
	Warmup         int // bars consumed before the first analysis
}

// DefaultConfig returns sensible run defaults
func DefaultConfig() Config {
	return Config{
		Exchange:       "binance",
		Symbol:         "BTC-USD",
		Timeframe:      "1h",
		InitialCapital: 10000,
		RiskPerTrade:   0.01,
		CommissionRate: 0.001,
		CandleWindow:   200,
		Warmup:         20,
	}
}

// position is one simulated trade in flight
type position struct {
	signal     *domain.Signal
	entryTime  time.Time
	entryPrice decimal.Decimal
	size       decimal.Decimal
	commission decimal.Decimal
}

// Engine replays one market bar by bar. Signals open a position at the
// target price; the stop and take-profit levels close it. When a bar
// touches both levels the stop fills first.
type Engine struct {
	cfg      Config
	dag      *indicator.DAG
	strategy strategy.Strategy
	contexts strategy.ContextProvider
	logger   zerolog.Logger

	cash   decimal.Decimal
	open   *position
	trades []Trade
	equity []EquityPoint
}

// NewEngine creates a backtest engine
func NewEngine(cfg Config, dag *indicator.DAG, strat strategy.Strategy, contexts strategy.ContextProvider, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		dag:      dag,
		strategy: strat,
		contexts: contexts,
		logger:   logger,
		cash:     decimal.NewFromFloat(cfg.InitialCapital),
	}
}

// Run replays the candles and returns the performance report
func (e *Engine) Run(ctx context.Context, candles []domain.Candle) (*Report, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles to replay")
	}
	warmup := e.cfg.Warmup
	if warmup < 1 {
		warmup = 1
	}
	if warmup >= len(candles) {
		return nil, fmt.Errorf("need more than %d candles, got %d", warmup, len(candles))
	}

	for i := warmup; i < len(candles); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bar := candles[i]
		e.settle(&bar)
		if e.open == nil {
			if err := e.analyze(ctx, candles[:i+1]); err != nil {
				e.logger.Warn().Err(err).Time("bar", bar.Timestamp).Msg("Analysis failed, continuing replay")
			}
		}
		e.mark(&bar)
	}

	// Force-close whatever is left at the last close
	if e.open != nil {
		last := candles[len(candles)-1]
		e.close(e.open, last.Close, last.Timestamp, "end_of_data")
	}

	return buildReport(e.cfg, e.trades, e.equity), nil
}

// analyze runs the indicator DAG and the strategy over the window up to now
func (e *Engine) analyze(ctx context.Context, history []domain.Candle) error {
	window := history
	if e.cfg.CandleWindow > 0 && len(window) > e.cfg.CandleWindow {
		window = window[len(window)-e.cfg.CandleWindow:]
	}

	contexts := make(map[string]*domain.MarketContext)
	if e.contexts != nil {
		mc, err := e.contexts.Context(ctx, e.cfg.Exchange, e.cfg.Symbol, e.cfg.Timeframe)
		if err != nil {
			return err
		}
		if mc != nil {
			contexts[e.cfg.Timeframe] = mc
		}
	}

	data := indicator.NewData(e.cfg.Exchange, e.cfg.Symbol, e.cfg.Timeframe, window, contexts)
	results, err := e.dag.Run(ctx, data, e.strategy.RequiredIndicators())
	if err != nil {
		return err
	}

	signal, err := e.strategy.Analyze(ctx, data, results)
	if err != nil || signal == nil {
		return err
	}
	if err := e.strategy.Validate(signal); err != nil {
		return nil
	}

	e.enter(signal, &window[len(window)-1])
	return nil
}

// enter opens a position at the signal target on the current bar close
func (e *Engine) enter(signal *domain.Signal, bar *domain.Candle) {
	risk := signal.PriceTarget.Sub(signal.StopLoss).Abs()
	if risk.IsZero() {
		return
	}

	budget := e.cash.Mul(decimal.NewFromFloat(e.cfg.RiskPerTrade))
	size := budget.Div(risk).Round(6)
	if size.LessThanOrEqual(decimal.Zero) {
		return
	}

	commission := signal.PriceTarget.Mul(size).Mul(decimal.NewFromFloat(e.cfg.CommissionRate))
	e.open = &position{
		signal:     signal,
		entryTime:  bar.Timestamp,
		entryPrice: signal.PriceTarget,
		size:       size,
		commission: commission,
	}

	e.logger.Debug().
		Str("direction", string(signal.Direction)).
		Str("entry", signal.PriceTarget.String()).
		Str("size", size.String()).
		Time("bar", bar.Timestamp).
		Msg("Opened simulated position")
}

// settle checks whether the current bar hits the open position's exit levels
func (e *Engine) settle(bar *domain.Candle) {
	p := e.open
	if p == nil {
		return
	}

	stop := p.signal.StopLoss
	target := p.signal.TakeProfit

	if p.signal.Direction == domain.DirectionLong {
		if bar.Low.LessThanOrEqual(stop) {
			e.close(p, stop, bar.Timestamp, "stop_loss")
			return
		}
		if bar.High.GreaterThanOrEqual(target) {
			e.close(p, target, bar.Timestamp, "take_profit")
		}
		return
	}

	if bar.High.GreaterThanOrEqual(stop) {
		e.close(p, stop, bar.Timestamp, "stop_loss")
		return
	}
	if bar.Low.LessThanOrEqual(target) {
		e.close(p, target, bar.Timestamp, "take_profit")
	}
}

// close realizes the position at px and books the trade
func (e *Engine) close(p *position, px decimal.Decimal, ts time.Time, reason string) {
	diff := px.Sub(p.entryPrice)
	if p.signal.Direction == domain.DirectionShort {
		diff = diff.Neg()
	}

	commission := p.commission.Add(px.Mul(p.size).Mul(decimal.NewFromFloat(e.cfg.CommissionRate)))
	pnl := diff.Mul(p.size).Sub(commission)
	e.cash = e.cash.Add(pnl)

	e.trades = append(e.trades, Trade{
		Symbol:     e.cfg.Symbol,
		Direction:  p.signal.Direction,
		EntryTime:  p.entryTime,
		ExitTime:   ts,
		EntryPrice: p.entryPrice,
		ExitPrice:  px,
		Size:       p.size,
		PnL:        pnl,
		Commission: commission,
		ExitReason: reason,
	})
	e.open = nil
}

// mark records the equity curve point for this bar
func (e *Engine) mark(bar *domain.Candle) {
	equity := e.cash
	if p := e.open; p != nil {
		diff := bar.Close.Sub(p.entryPrice)
		if p.signal.Direction == domain.DirectionShort {
			diff = diff.Neg()
		}
		equity = equity.Add(diff.Mul(p.size))
	}

	e.equity = append(e.equity, EquityPoint{
		Timestamp: bar.Timestamp,
		Equity:    equity,
	})
}
