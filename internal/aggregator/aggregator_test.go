package aggregator

import (
	"context"
	"encoding/json"
	"errors"
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
)

type publishedEvent struct {
	Exchange   string
	RoutingKey string
	Payload    interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (r *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{exchange, routingKey, payload})
	return nil
}

func (r *recordingPublisher) all() []publishedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishedEvent(nil), r.events...)
}

func newTestAggregator(t *testing.T, mappings []config.TimeframeMapping) (*Aggregator, *cache.Cache, *recordingPublisher) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &recordingPublisher{}
	agg := New(c, pub, &config.TimeframeMappings{Mappings: mappings}, zerolog.Nop())
	return agg, c, pub
}

func baseCandle(ts time.Time, open, high, low, closePx, volume float64) *domain.Candle {
	return &domain.Candle{
		Exchange:  "binance",
		Symbol:    "BTC-USD",
		Timeframe: "15m",
		Timestamp: ts,
		Open:      domain.Price(open),
		High:      domain.Price(high),
		Low:       domain.Price(low),
		Close:     domain.Price(closePx),
		Volume:    domain.Price(volume),
		IsClosed:  true,
	}
}

func TestHandleExternalCandleDecodesAndAggregates(t *testing.T) {
	agg, _, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Four 15m bars close the 1h bucket
	for i := 0; i < 4; i++ {
		c := baseCandle(t0.Add(time.Duration(i)*15*time.Minute), 100, 110, 90, 105, 10)
		payload, err := json.Marshal(domain.CandleEvent{
			Exchange: c.Exchange, Symbol: c.Symbol, Timeframe: c.Timeframe,
			Timestamp: c.Timestamp, Source: domain.SourceLive, Candle: c,
		})
		require.NoError(t, err)
		require.NoError(t, agg.HandleExternalCandle(ctx, "external.new.binance.btc-usd.15m", payload))
	}

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, "candle.new.binance.btc-usd.1h", events[0].RoutingKey)
}

func TestHandleExternalCandleDropsMalformed(t *testing.T) {
	agg, _, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()

	require.NoError(t, agg.HandleExternalCandle(ctx, "external.new.x", []byte("{not json")))

	payload, err := json.Marshal(domain.CandleEvent{Exchange: "binance"})
	require.NoError(t, err)
	require.NoError(t, agg.HandleExternalCandle(ctx, "external.new.x", payload))

	assert.Empty(t, pub.all())
}

func TestCalculateCandleBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		ts        time.Time
		timeframe string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid-hour into 1h bucket",
			ts:        time.Date(2024, 3, 1, 0, 45, 0, 0, time.UTC),
			timeframe: "1h",
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
		},
		{
			name:      "exact bucket start",
			ts:        time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
			timeframe: "4h",
			wantStart: time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			name:      "daily bucket",
			ts:        time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC),
			timeframe: "1d",
			wantStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := CalculateCandleBoundaries(tt.ts, tt.timeframe)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}

	_, _, err := CalculateCandleBoundaries(time.Now(), "13x")
	assert.Error(t, err)
}

func TestBoundariesContiguous(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 59, 59, 0, time.UTC)
	_, end, err := CalculateCandleBoundaries(ts, "1h")
	require.NoError(t, err)

	start2, _, err := CalculateCandleBoundaries(end, "1h")
	require.NoError(t, err)
	assert.Equal(t, end, start2)
}

func TestAggregateFourQuartersIntoHour(t *testing.T) {
	agg, c, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []*domain.Candle{
		baseCandle(base, 1, 3, 1, 2, 10),
		baseCandle(base.Add(15*time.Minute), 2, 4, 2, 3, 20),
		baseCandle(base.Add(30*time.Minute), 3, 3, 2, 2.5, 30),
		baseCandle(base.Add(45*time.Minute), 2.5, 5, 2.5, 4.5, 40),
	}

	partialKey := cache.PartialCandleKey("binance", "BTC-USD", "1h", base.Add(time.Hour))

	for i, b := range bars[:3] {
		require.NoError(t, agg.HandleBaseCandle(ctx, b))
		assert.Empty(t, pub.all(), "no publish before bucket completes (bar %d)", i)

		var partial domain.Candle
		found, err := c.Get(ctx, partialKey, &partial)
		require.NoError(t, err)
		require.True(t, found)
		assert.False(t, partial.IsClosed)
	}

	require.NoError(t, agg.HandleBaseCandle(ctx, bars[3]))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, bus.ExchangeMarketData, events[0].Exchange)
	assert.Equal(t, "candle.new.binance.btc-usd.1h", events[0].RoutingKey)

	event, ok := events[0].Payload.(domain.CandleEvent)
	require.True(t, ok)
	closed := event.Candle
	require.NotNil(t, closed)

	assert.True(t, closed.IsClosed)
	assert.Equal(t, base.Add(time.Hour), closed.Timestamp)
	assert.True(t, closed.Open.Equal(domain.Price(1)), "open from first bar")
	assert.True(t, closed.High.Equal(domain.Price(5)), "high is max")
	assert.True(t, closed.Low.Equal(domain.Price(1)), "low is min")
	assert.True(t, closed.Close.Equal(domain.Price(4.5)), "close from last bar")
	assert.True(t, closed.Volume.Equal(domain.Price(100)), "volume is sum")

	found, err := c.Exists(ctx, partialKey)
	require.NoError(t, err)
	assert.False(t, found, "partial key removed after emit")
}

// flakyPublisher fails its first n publishes, then records like the
// recording publisher.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []publishedEvent
}

func (f *flakyPublisher) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("publish unavailable")
	}
	f.events = append(f.events, publishedEvent{exchange, routingKey, payload})
	return nil
}

func (f *flakyPublisher) all() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedEvent(nil), f.events...)
}

func TestRedeliveredFinalBarEmitsOnce(t *testing.T) {
	agg, c, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []*domain.Candle{
		baseCandle(base, 1, 3, 1, 2, 10),
		baseCandle(base.Add(15*time.Minute), 2, 4, 2, 3, 20),
		baseCandle(base.Add(30*time.Minute), 3, 3, 2, 2.5, 30),
		baseCandle(base.Add(45*time.Minute), 2.5, 5, 2.5, 4.5, 40),
	}
	for _, b := range bars {
		require.NoError(t, agg.HandleBaseCandle(ctx, b))
	}
	require.Len(t, pub.all(), 1)

	// Lost ack: the broker hands the final bar back, and an earlier one too
	require.NoError(t, agg.HandleBaseCandle(ctx, bars[3]))
	require.NoError(t, agg.HandleBaseCandle(ctx, bars[1]))

	events := pub.all()
	require.Len(t, events, 1, "completed bucket must not emit twice")

	partialKey := cache.PartialCandleKey("binance", "BTC-USD", "1h", base.Add(time.Hour))
	found, err := c.Exists(ctx, partialKey)
	require.NoError(t, err)
	assert.False(t, found, "redelivered bars must not resurrect the partial")
}

func TestPublishFailureRetainsPartialForRetry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &flakyPublisher{failures: 1}
	agg := New(c, pub, &config.TimeframeMappings{
		Mappings: []config.TimeframeMapping{{Base: "15m", Target: "1h"}},
	}, zerolog.Nop())

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := []*domain.Candle{
		baseCandle(base, 1, 3, 1, 2, 10),
		baseCandle(base.Add(15*time.Minute), 2, 4, 2, 3, 20),
		baseCandle(base.Add(30*time.Minute), 3, 3, 2, 2.5, 30),
		baseCandle(base.Add(45*time.Minute), 2.5, 5, 2.5, 4.5, 40),
	}
	for _, b := range bars {
		require.NoError(t, agg.HandleBaseCandle(ctx, b))
	}

	events := pub.all()
	require.Len(t, events, 1)
	event, ok := events[0].Payload.(domain.CandleEvent)
	require.True(t, ok)
	closed := event.Candle
	require.NotNil(t, closed)

	// The retried emit carries the full bucket, not just the final bar
	assert.True(t, closed.Open.Equal(domain.Price(1)), "open, got %s", closed.Open)
	assert.True(t, closed.High.Equal(domain.Price(5)), "high, got %s", closed.High)
	assert.True(t, closed.Low.Equal(domain.Price(1)), "low, got %s", closed.Low)
	assert.True(t, closed.Close.Equal(domain.Price(4.5)), "close, got %s", closed.Close)
	assert.True(t, closed.Volume.Equal(domain.Price(100)), "volume, got %s", closed.Volume)

	found, err := c.Exists(ctx, cache.PartialCandleKey("binance", "BTC-USD", "1h", base.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetMaxRetriesBoundsPublishAttempts(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &flakyPublisher{failures: 100}
	agg := New(c, pub, &config.TimeframeMappings{
		Mappings: []config.TimeframeMapping{{Base: "15m", Target: "1h"}},
	}, zerolog.Nop())
	agg.SetMaxRetries(2)

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, agg.HandleBaseCandle(ctx,
			baseCandle(base.Add(time.Duration(i)*15*time.Minute), 1, 2, 1, 2, 1)))
	}

	err = agg.HandleBaseCandle(ctx, baseCandle(base.Add(45*time.Minute), 1, 2, 1, 2, 1))
	require.Error(t, err, "exhausted retries surface to the broker")
	assert.Equal(t, 2, pub.calls)
}

func TestUnclosedBaseBarDoesNotComplete(t *testing.T) {
	agg, c, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	last := baseCandle(base.Add(45*time.Minute), 95, 112, 94, 108, 15)
	last.IsClosed = false

	require.NoError(t, agg.HandleBaseCandle(ctx, last))

	assert.Empty(t, pub.all())
	found, err := c.Exists(ctx, cache.PartialCandleKey("binance", "BTC-USD", "1h", base.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEarlyClosedBarDoesNotComplete(t *testing.T) {
	agg, _, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "15m", Target: "1h"}})
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, agg.HandleBaseCandle(ctx, baseCandle(base.Add(30*time.Minute), 1, 2, 1, 2, 1)))
	assert.Empty(t, pub.all())
}

func TestFanOutToMultipleTargets(t *testing.T) {
	agg, c, _ := newTestAggregator(t, []config.TimeframeMapping{
		{Base: "15m", Target: "1h"},
		{Base: "15m", Target: "4h"},
	})
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, agg.HandleBaseCandle(ctx, baseCandle(base, 100, 110, 95, 105, 10)))

	for _, tf := range []string{"1h", "4h"} {
		_, end, err := CalculateCandleBoundaries(base, tf)
		require.NoError(t, err)
		found, err := c.Exists(ctx, cache.PartialCandleKey("binance", "BTC-USD", tf, end))
		require.NoError(t, err)
		assert.True(t, found, tf)
	}
}

func TestUnmappedBaseTimeframeSkipped(t *testing.T) {
	agg, _, pub := newTestAggregator(t, []config.TimeframeMapping{{Base: "1h", Target: "4h"}})

	require.NoError(t, agg.HandleBaseCandle(context.Background(),
		baseCandle(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1, 2, 1, 2, 1)))
	assert.Empty(t, pub.all())
}

func TestPartialExpiresWithTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	pub := &recordingPublisher{}
	agg := New(c, pub, &config.TimeframeMappings{
		Mappings: []config.TimeframeMapping{{Base: "15m", Target: "1h"}},
	}, zerolog.Nop())
	agg.SetPartialTTL(time.Hour)

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, agg.HandleBaseCandle(ctx, baseCandle(base, 100, 110, 95, 105, 10)))

	key := cache.PartialCandleKey("binance", "BTC-USD", "1h", base.Add(time.Hour))
	found, err := c.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, found)

	mr.FastForward(2 * time.Hour)

	found, err = c.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}
