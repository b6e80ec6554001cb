package strategy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

type capturedPublish struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

type capturePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
}

func (c *capturePublisher) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, capturedPublish{exchange, routingKey, payload})
	return nil
}

func (c *capturePublisher) all() []capturedPublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedPublish(nil), c.published...)
}

// blockSource is a stub indicator that emits a fixed set of order blocks
type blockSource struct {
	blocks []*domain.OrderBlock
}

func (b *blockSource) Type() indicator.Type                 { return indicator.TypeOrderBlock }
func (b *blockSource) Requirements() indicator.Requirements { return indicator.Requirements{} }
func (b *blockSource) Calculate(ctx context.Context, data *indicator.Data) (interface{}, error) {
	return b.blocks, nil
}

type runnerFixture struct {
	runner *Runner
	cache  *cache.Cache
	pub    *capturePublisher
	ctxs   *StaticContextProvider
}

func newRunnerFixture(t *testing.T, cfg config.StrategyConfig, blocks []*domain.OrderBlock) *runnerFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &capturePublisher{}
	ctxs := NewStaticContextProvider()

	dag := indicator.NewDAG(zerolog.Nop())
	dag.Register(&blockSource{blocks: blocks})

	runner, err := NewRunner(cfg, c, pub, dag, nil, ctxs, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, runner.RegisterStrategy(NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)))

	return &runnerFixture{runner: runner, cache: c, pub: pub, ctxs: ctxs}
}

func seedCandles(t *testing.T, c *cache.Cache, ts time.Time, closes ...float64) *domain.Candle {
	t.Helper()
	ctx := context.Background()
	key := cache.CandleSetKey(domain.SourceLive, "binance", "BTC-USD", "1h")

	var last *domain.Candle
	for i, px := range closes {
		candle := domain.Candle{
			Exchange: "binance", Symbol: "BTC-USD", Timeframe: "1h",
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      domain.Price(px - 1), High: domain.Price(px + 1),
			Low: domain.Price(px - 2), Close: domain.Price(px),
			Volume: domain.Price(1), IsClosed: true,
		}
		require.NoError(t, c.AddToSortedSet(ctx, key, candle, float64(candle.EpochMilli())))
		cc := candle
		last = &cc
	}
	return last
}

func candleEvent(ts time.Time) *domain.CandleEvent {
	return &domain.CandleEvent{
		Exchange:  "binance",
		Symbol:    "BTC-USD",
		Timeframe: "1h",
		Timestamp: ts,
		Source:    domain.SourceLive,
	}
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Exchange:         "binance",
		Symbols:          []string{"BTC-USD"},
		Timeframes:       []string{"1h"},
		HigherTimeframes: map[string][]string{"1h": {"4h"}},
		MinRiskReward:    2.0,
		SignalTTL:        7 * 24 * time.Hour,
		CandleWindow:     200,
	}
}

func TestProcessBarPublishesValidatedSignal(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(t0, 100, 105, 0.9)
	fx := newRunnerFixture(t, testStrategyConfig(), []*domain.OrderBlock{block})
	fx.ctxs.Set("BTC-USD", "4h", &domain.MarketContext{Symbol: "BTC-USD", Timeframe: "4h", Trend: domain.TrendBullish})

	last := seedCandles(t, fx.cache, t0.Add(time.Hour), 104, 105, 106)
	ctx := context.Background()

	require.NoError(t, fx.runner.processBar(ctx, candleEvent(last.Timestamp)))

	events := fx.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, bus.ExchangeStrategy, events[0].Exchange)
	assert.Equal(t, "signal.orderblock.detected.binance.btc-usd.1h", events[0].RoutingKey)

	signal, ok := events[0].Payload.(*domain.Signal)
	require.True(t, ok)
	assert.Equal(t, domain.DirectionLong, signal.Direction)

	var cached domain.Signal
	found, err := fx.cache.Get(ctx, cache.SignalKey("binance", "BTC-USD", signal.ID.String()), &cached)
	require.NoError(t, err)
	assert.True(t, found)

	active, err := fx.cache.HashGetAll(ctx, cache.ActiveSignalsKey("binance", "BTC-USD"))
	require.NoError(t, err)
	assert.Len(t, active, 1)

	var watermark domain.CandleWatermark
	found, err = fx.cache.Get(ctx, cache.LastUpdatedKey("binance", "BTC-USD", "1h"), &watermark)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, last.Timestamp.Equal(watermark.Timestamp), "got %s", watermark.Timestamp)
	assert.Equal(t, domain.SourceLive, watermark.Source)
}

func TestProcessBarSkipsWithoutHigherTimeframeContext(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(t0, 100, 105, 0.9)
	fx := newRunnerFixture(t, testStrategyConfig(), []*domain.OrderBlock{block})
	// No 4h context registered

	last := seedCandles(t, fx.cache, t0.Add(time.Hour), 106)
	ctx := context.Background()

	require.NoError(t, fx.runner.processBar(ctx, candleEvent(last.Timestamp)))

	assert.Empty(t, fx.pub.all())

	var watermark domain.CandleWatermark
	found, err := fx.cache.Get(ctx, cache.LastUpdatedKey("binance", "BTC-USD", "1h"), &watermark)
	require.NoError(t, err)
	assert.False(t, found, "watermark untouched on a skipped bar")
}

func TestProcessBarSkipsWithoutFreshCandles(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fx := newRunnerFixture(t, testStrategyConfig(), nil)
	fx.ctxs.Set("BTC-USD", "4h", &domain.MarketContext{})

	last := seedCandles(t, fx.cache, t0, 106)
	ctx := context.Background()

	// Watermark already at the latest candle
	require.NoError(t, fx.cache.Set(ctx, cache.LastUpdatedKey("binance", "BTC-USD", "1h"),
		domain.CandleWatermark{Timestamp: last.Timestamp, Source: domain.SourceLive}, 0))

	require.NoError(t, fx.runner.processBar(ctx, candleEvent(last.Timestamp)))
	assert.Empty(t, fx.pub.all())
}

func TestProcessBarEmptyCacheSkips(t *testing.T) {
	fx := newRunnerFixture(t, testStrategyConfig(), nil)
	require.NoError(t, fx.runner.processBar(context.Background(),
		candleEvent(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))))
	assert.Empty(t, fx.pub.all())
}

func TestSchemaVersionGate(t *testing.T) {
	fx := newRunnerFixture(t, testStrategyConfig(), nil)

	tests := []struct {
		version string
		wantErr bool
	}{
		{"1.0.0", false},
		{"1.9.3", false},
		{"0.9.0", true},
		{"2.0.0", true},
		{"not-a-version", true},
	}

	for _, tt := range tests {
		err := fx.runner.RegisterStrategy(&versionedStrategy{version: tt.version})
		if tt.wantErr {
			assert.Error(t, err, tt.version)
		} else {
			assert.NoError(t, err, tt.version)
		}
	}
}

type versionedStrategy struct {
	version string
}

func (v *versionedStrategy) Name() string                         { return "versioned" }
func (v *versionedStrategy) SchemaVersion() string                { return v.version }
func (v *versionedStrategy) Timeframes() []string                 { return []string{"1h"} }
func (v *versionedStrategy) RequiredIndicators() []indicator.Type { return nil }
func (v *versionedStrategy) Validate(signal *domain.Signal) error { return nil }
func (v *versionedStrategy) Analyze(ctx context.Context, data *indicator.Data, results map[indicator.Type]indicator.Result) (*domain.Signal, error) {
	return nil, nil
}

type captureBlockStore struct {
	mu       sync.Mutex
	inserted []string
}

func (s *captureBlockStore) InsertOrderBlock(ctx context.Context, indicatorType string, ob *domain.OrderBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, indicatorType)
	return nil
}

func TestProcessBarPersistsDetectedBlocks(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(t0, 100, 105, 0.9)
	fx := newRunnerFixture(t, testStrategyConfig(), []*domain.OrderBlock{block})
	fx.ctxs.Set("BTC-USD", "4h", &domain.MarketContext{Symbol: "BTC-USD", Timeframe: "4h", Trend: domain.TrendBullish})

	store := &captureBlockStore{}
	fx.runner.SetBlockStore(store)

	last := seedCandles(t, fx.cache, t0.Add(time.Hour), 104, 105, 106)
	require.NoError(t, fx.runner.processBar(context.Background(), candleEvent(last.Timestamp)))

	require.Len(t, store.inserted, 1)
	assert.Equal(t, "order_block", store.inserted[0])
}

func TestHandleCandleEventDropsMalformed(t *testing.T) {
	fx := newRunnerFixture(t, testStrategyConfig(), nil)
	ctx := context.Background()

	require.NoError(t, fx.runner.HandleCandleEvent(ctx, "candle.new.x", []byte("{not json")))

	payload, err := json.Marshal(domain.CandleEvent{Exchange: "binance"})
	require.NoError(t, err)
	require.NoError(t, fx.runner.HandleCandleEvent(ctx, "candle.new.x", payload))

	fx.runner.Close()
	assert.Empty(t, fx.pub.all())
}
