package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
	"github.com/quantarc/blockflow/internal/metrics"
	"github.com/quantarc/blockflow/internal/mitigation"
)

// supportedSchemas is the strategy schema range this runner can execute
const supportedSchemas = ">= 1.0.0, < 2.0.0"

// BlockStore persists newly detected order blocks so later mitigation
// passes can read them back.
type BlockStore interface {
	InsertOrderBlock(ctx context.Context, indicatorType string, ob *domain.OrderBlock) error
}

const queueDepth = 128

// Runner drives strategies bar by bar. Bus dispatch hands each candle event
// to a serial queue per (symbol, timeframe), so analysis for one market is
// ordered while distinct markets run in parallel.
type Runner struct {
	cfg      config.StrategyConfig
	cache    *cache.Cache
	pub      bus.Publisher
	dag      *indicator.DAG
	engine   *mitigation.Engine
	contexts ContextProvider
	blocks   BlockStore
	logger   zerolog.Logger

	supported  *semver.Constraints
	strategies []Strategy

	baseCtx context.Context

	mu     sync.Mutex
	queues map[string]chan *domain.CandleEvent
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a strategy runner
func NewRunner(cfg config.StrategyConfig, c *cache.Cache, pub bus.Publisher, dag *indicator.DAG, engine *mitigation.Engine, contexts ContextProvider, logger zerolog.Logger) (*Runner, error) {
	supported, err := semver.NewConstraint(supportedSchemas)
	if err != nil {
		return nil, fmt.Errorf("failed to parse supported schema range: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		cache:     c,
		pub:       pub,
		dag:       dag,
		engine:    engine,
		contexts:  contexts,
		logger:    logger,
		supported: supported,
		baseCtx:   context.Background(),
		queues:    make(map[string]chan *domain.CandleEvent),
	}, nil
}

// RegisterStrategy adds a strategy after checking its schema version
// against the supported range.
func (r *Runner) RegisterStrategy(s Strategy) error {
	version, err := semver.NewVersion(s.SchemaVersion())
	if err != nil {
		return fmt.Errorf("strategy %s has invalid schema version %q: %w", s.Name(), s.SchemaVersion(), err)
	}
	if !r.supported.Check(version) {
		return fmt.Errorf("strategy %s schema %s outside supported range %s", s.Name(), version, supportedSchemas)
	}

	r.strategies = append(r.strategies, s)
	r.logger.Info().
		Str("strategy", s.Name()).
		Str("schema", s.SchemaVersion()).
		Strs("timeframes", s.Timeframes()).
		Msg("Registered strategy")
	return nil
}

// SetBlockStore enables persistence of freshly detected blocks
func (r *Runner) SetBlockStore(store BlockStore) {
	r.blocks = store
}

// Start sets the lifetime context for queue workers
func (r *Runner) Start(ctx context.Context) {
	r.baseCtx = ctx
}

// HandleCandleEvent is the candle queue handler. Malformed events are
// dropped rather than redelivered; valid events are queued per market.
func (r *Runner) HandleCandleEvent(ctx context.Context, routingKey string, payload []byte) error {
	var event domain.CandleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("Dropping malformed candle event")
		return nil
	}
	if event.Symbol == "" || event.Timeframe == "" {
		r.logger.Warn().Str("routing_key", routingKey).Msg("Dropping candle event without symbol or timeframe")
		return nil
	}

	r.enqueue(&event)
	return nil
}

func (r *Runner) enqueue(event *domain.CandleEvent) {
	key := event.Symbol + "|" + event.Timeframe

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ch, ok := r.queues[key]
	if !ok {
		ch = make(chan *domain.CandleEvent, queueDepth)
		r.queues[key] = ch
		r.wg.Add(1)
		go r.worker(ch)
	}
	r.mu.Unlock()

	select {
	case ch <- event:
	case <-r.baseCtx.Done():
	}
}

func (r *Runner) worker(ch <-chan *domain.CandleEvent) {
	defer r.wg.Done()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := r.processBar(r.baseCtx, event); err != nil {
				r.logger.Error().
					Err(err).
					Str("symbol", event.Symbol).
					Str("timeframe", event.Timeframe).
					Msg("Bar processing failed")
			}
		}
	}
}

// Close drains the queue workers
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, ch := range r.queues {
			close(ch)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// processBar runs the full per-bar pipeline: window load, context gate,
// indicator run, mitigation pass, strategy analysis, watermark update.
func (r *Runner) processBar(ctx context.Context, event *domain.CandleEvent) error {
	timer := prometheus.NewTimer(metrics.BarProcessingDuration.WithLabelValues(event.Symbol, event.Timeframe))
	defer timer.ObserveDuration()

	candles, latest, fresh, err := r.loadWindow(ctx, event)
	if err != nil {
		return err
	}
	if !fresh {
		r.logger.Debug().
			Str("symbol", event.Symbol).
			Str("timeframe", event.Timeframe).
			Msg("No new candles since last run, skipping")
		return nil
	}

	contexts, complete, err := r.loadContexts(ctx, event)
	if err != nil {
		return err
	}
	if !complete {
		r.logger.Debug().
			Str("symbol", event.Symbol).
			Str("timeframe", event.Timeframe).
			Msg("Higher-timeframe context missing, skipping bar")
		return nil
	}

	required := r.requiredIndicators()
	data := indicator.NewData(event.Exchange, event.Symbol, event.Timeframe, candles, contexts)

	results, err := r.dag.Run(ctx, data, required)
	if err != nil {
		return fmt.Errorf("indicator run failed: %w", err)
	}

	if r.blocks != nil {
		r.persistBlocks(ctx, results)
	}

	// Mitigation is fire-and-inspect; failures live in the reports
	if r.engine != nil {
		r.engine.Process(ctx, event.Exchange, event.Symbol, event.Timeframe, candles)
	}

	for _, s := range r.strategies {
		if !containsString(s.Timeframes(), event.Timeframe) {
			continue
		}
		r.runStrategy(ctx, s, data, results)
	}

	return r.advanceWatermark(ctx, event, latest)
}

// persistBlocks stores blocks detected on this bar. Insert conflicts are
// re-detections and count as success.
func (r *Runner) persistBlocks(ctx context.Context, results map[indicator.Type]indicator.Result) {
	for _, t := range []indicator.Type{indicator.TypeOrderBlock, indicator.TypeHiddenOrderBlock} {
		result, ok := results[t]
		if !ok || result.Failed() {
			continue
		}
		blocks, ok := result.Value.([]*domain.OrderBlock)
		if !ok {
			continue
		}
		for _, block := range blocks {
			if err := r.blocks.InsertOrderBlock(ctx, string(t), block); err != nil {
				r.logger.Error().
					Err(err).
					Str("indicator", string(t)).
					Str("symbol", block.Symbol).
					Msg("Failed to persist detected block")
			}
		}
	}
}

func (r *Runner) runStrategy(ctx context.Context, s Strategy, data *indicator.Data, results map[indicator.Type]indicator.Result) {
	signal, err := s.Analyze(ctx, data, results)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("strategy", s.Name()).
			Str("symbol", data.Symbol).
			Msg("Strategy analysis failed")
		return
	}
	if signal == nil {
		return
	}
	metrics.SignalsGenerated.WithLabelValues(s.Name(), data.Symbol).Inc()
	if err := s.Validate(signal); err != nil {
		metrics.SignalsRejected.WithLabelValues(s.Name(), data.Symbol).Inc()
		r.logger.Debug().
			Err(err).
			Str("strategy", s.Name()).
			Str("symbol", data.Symbol).
			Msg("Signal rejected by validation")
		return
	}

	if err := r.publishSignal(ctx, signal); err != nil {
		r.logger.Error().
			Err(err).
			Str("strategy", s.Name()).
			Str("signal_id", signal.ID.String()).
			Msg("Failed to publish signal")
	}
}

func (r *Runner) publishSignal(ctx context.Context, signal *domain.Signal) error {
	routingKey := bus.SignalKey(signal.Exchange, signal.Symbol, signal.Timeframe)
	if err := r.pub.Publish(ctx, bus.ExchangeStrategy, routingKey, signal); err != nil {
		return err
	}

	key := cache.SignalKey(signal.Exchange, signal.Symbol, signal.ID.String())
	if err := r.cache.Set(ctx, key, signal, r.cfg.SignalTTL); err != nil {
		return fmt.Errorf("failed to cache signal: %w", err)
	}
	if err := r.cache.HashSet(ctx, cache.ActiveSignalsKey(signal.Exchange, signal.Symbol), signal.ID.String(), signal); err != nil {
		return fmt.Errorf("failed to track active signal: %w", err)
	}
	metrics.SignalsPublished.WithLabelValues(signal.StrategyName, signal.Symbol).Inc()

	r.logger.Info().
		Str("signal_id", signal.ID.String()).
		Str("strategy", signal.StrategyName).
		Str("symbol", signal.Symbol).
		Str("direction", string(signal.Direction)).
		Str("risk_reward", signal.RiskRewardRatio.String()).
		Msg("Published signal")
	return nil
}

// loadWindow returns the trimmed candle window, the latest candle, and
// whether anything arrived since the watermark.
func (r *Runner) loadWindow(ctx context.Context, event *domain.CandleEvent) ([]domain.Candle, *domain.Candle, bool, error) {
	source := event.Source
	if source == "" {
		source = domain.SourceLive
	}
	setKey := cache.CandleSetKey(source, event.Exchange, event.Symbol, event.Timeframe)

	watermark := float64(-1)
	var lastUpdated domain.CandleWatermark
	found, err := r.cache.Get(ctx, cache.LastUpdatedKey(event.Exchange, event.Symbol, event.Timeframe), &lastUpdated)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	if found && !lastUpdated.Timestamp.IsZero() {
		watermark = float64(lastUpdated.Timestamp.UnixMilli())
	}

	freshMembers, err := r.cache.GetFromSortedSetAfter(ctx, setKey, watermark)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read fresh candles: %w", err)
	}
	if len(freshMembers) == 0 {
		return nil, nil, false, nil
	}

	members, err := r.cache.GetFromSortedSetByScore(ctx, setKey, 0, math.MaxFloat64)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read candle window: %w", err)
	}
	if r.cfg.CandleWindow > 0 && len(members) > r.cfg.CandleWindow {
		members = members[len(members)-r.cfg.CandleWindow:]
	}

	candles := make([]domain.Candle, 0, len(members))
	for _, m := range members {
		var c domain.Candle
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			r.logger.Warn().Err(err).Str("symbol", event.Symbol).Msg("Skipping undecodable cached candle")
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		return nil, nil, false, nil
	}

	return candles, &candles[len(candles)-1], true, nil
}

// loadContexts gathers the current and higher-timeframe market contexts.
// Any missing higher-timeframe context fails the gate.
func (r *Runner) loadContexts(ctx context.Context, event *domain.CandleEvent) (map[string]*domain.MarketContext, bool, error) {
	contexts := make(map[string]*domain.MarketContext)

	current, err := r.contexts.Context(ctx, event.Exchange, event.Symbol, event.Timeframe)
	if err != nil {
		return nil, false, err
	}
	if current != nil {
		contexts[event.Timeframe] = current
	}

	for _, higher := range r.cfg.HigherTimeframes[event.Timeframe] {
		mc, err := r.contexts.Context(ctx, event.Exchange, event.Symbol, higher)
		if err != nil {
			return nil, false, err
		}
		if mc == nil {
			return nil, false, nil
		}
		contexts[higher] = mc
	}

	return contexts, true, nil
}

func (r *Runner) requiredIndicators() []indicator.Type {
	seen := make(map[indicator.Type]bool)
	var required []indicator.Type
	for _, s := range r.strategies {
		for _, t := range s.RequiredIndicators() {
			if !seen[t] {
				seen[t] = true
				required = append(required, t)
			}
		}
	}
	return required
}

func (r *Runner) advanceWatermark(ctx context.Context, event *domain.CandleEvent, latest *domain.Candle) error {
	source := event.Source
	if source == "" {
		source = domain.SourceLive
	}
	key := cache.LastUpdatedKey(event.Exchange, event.Symbol, event.Timeframe)
	value := domain.CandleWatermark{Timestamp: latest.Timestamp.UTC(), Source: source}
	if err := r.cache.Set(ctx, key, value, 0); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
