package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/metrics"
)

const (
	defaultPartialTTL = 24 * time.Hour
	defaultMaxRetries = 3
)

// Aggregator rolls base-timeframe candles into configured custom timeframes.
// It keeps at most one in-flight partial bar per (exchange, symbol, timeframe,
// bucket end) in the cache and publishes exactly one closed bar per bucket.
type Aggregator struct {
	cache    *cache.Cache
	pub      bus.Publisher
	mappings *config.TimeframeMappings
	logger   zerolog.Logger

	partialTTL time.Duration
	maxRetries int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an aggregator over the given cache, publisher and mappings
func New(c *cache.Cache, pub bus.Publisher, mappings *config.TimeframeMappings, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cache:      c,
		pub:        pub,
		mappings:   mappings,
		logger:     logger,
		partialTTL: defaultPartialTTL,
		maxRetries: defaultMaxRetries,
		locks:      make(map[string]*sync.Mutex),
	}
}

// SetPartialTTL overrides the lifetime of in-flight partial bars
func (a *Aggregator) SetPartialTTL(ttl time.Duration) { a.partialTTL = ttl }

// SetMaxRetries overrides the per-bar merge retry budget. Non-positive
// values keep the default.
func (a *Aggregator) SetMaxRetries(n int) {
	if n > 0 {
		a.maxRetries = n
	}
}

// HandleExternalCandle is the external_data queue handler. Events from the
// ingest feed that cannot be decoded are dropped rather than redelivered.
func (a *Aggregator) HandleExternalCandle(ctx context.Context, routingKey string, payload []byte) error {
	var event domain.CandleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		a.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("Dropping malformed external candle event")
		return nil
	}
	if event.Candle == nil {
		a.logger.Warn().Str("routing_key", routingKey).Msg("External candle event without candle payload, skipping")
		return nil
	}
	return a.HandleBaseCandle(ctx, event.Candle)
}

// HandleBaseCandle processes one base bar against every mapping configured
// for its timeframe. Errors from individual targets are joined; a non-nil
// return signals the broker to redeliver, so the merge is idempotent.
func (a *Aggregator) HandleBaseCandle(ctx context.Context, b *domain.Candle) error {
	targets := a.mappings.ForBase(b.Timeframe)
	if len(targets) == 0 {
		a.logger.Debug().
			Str("timeframe", b.Timeframe).
			Str("symbol", b.Symbol).
			Msg("No mappings for base timeframe, skipping")
		return nil
	}

	baseDur, err := domain.TimeframeDuration(b.Timeframe)
	if err != nil {
		return fmt.Errorf("failed to handle base candle: %w", err)
	}

	var firstErr error
	for _, target := range targets {
		if err := a.aggregate(ctx, b, baseDur, target); err != nil {
			a.logger.Error().
				Err(err).
				Str("symbol", b.Symbol).
				Str("target", target).
				Msg("Aggregation failed for target timeframe")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// aggregate runs the merge state machine for one (base bar, target tf) pair.
// Steps from lookup through publish are serialized per partial key.
func (a *Aggregator) aggregate(ctx context.Context, b *domain.Candle, baseDur time.Duration, target string) error {
	_, end, err := CalculateCandleBoundaries(b.Timestamp, target)
	if err != nil {
		return err
	}

	key := cache.PartialCandleKey(b.Exchange, b.Symbol, target, end)

	lock := a.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		lastErr = a.merge(ctx, b, baseDur, target, end, key)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}

	a.logger.Warn().
		Err(lastErr).
		Str("key", key).
		Int("attempts", a.maxRetries).
		Msg("Dropping base bar update after retries, awaiting redelivery")
	return lastErr
}

func (a *Aggregator) merge(ctx context.Context, b *domain.Candle, baseDur time.Duration, target string, end time.Time, key string) error {
	marker := cache.EmittedBucketKey(b.Exchange, b.Symbol, target, end)
	emitted, err := a.cache.Exists(ctx, marker)
	if err != nil {
		return fmt.Errorf("failed to check emitted bucket: %w", err)
	}
	if emitted {
		a.logger.Debug().
			Str("key", key).
			Msg("Bucket already emitted, dropping redelivered bar")
		return nil
	}

	var partial domain.Candle
	found, err := a.cache.Get(ctx, key, &partial)
	if err != nil {
		return fmt.Errorf("failed to load partial candle: %w", err)
	}

	if !found {
		partial = domain.Candle{
			Exchange:  b.Exchange,
			Symbol:    b.Symbol,
			Timeframe: target,
			Timestamp: end,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			IsClosed:  false,
		}
	} else {
		partial.High = decimal.Max(partial.High, b.High)
		partial.Low = decimal.Min(partial.Low, b.Low)
		partial.Close = b.Close
		partial.Volume = partial.Volume.Add(b.Volume)
	}

	// The bucket is complete once a closed base bar reaches the bucket end.
	// A base bar opening at ts covers [ts, ts+baseDur).
	barClose := b.Timestamp.Add(baseDur)
	if !barClose.Before(end) && b.IsClosed {
		closed := partial
		closed.IsClosed = true

		routingKey := bus.CandleKey(closed.Exchange, closed.Symbol, closed.Timeframe)
		event := domain.CandleEvent{
			Exchange:  closed.Exchange,
			Symbol:    closed.Symbol,
			Timeframe: closed.Timeframe,
			Timestamp: closed.Timestamp,
			Source:    domain.SourceLive,
			Candle:    &closed,
		}
		// A failed publish retries from the stored partial, so the key is
		// only cleaned up after the publish succeeds.
		if err := a.pub.Publish(ctx, bus.ExchangeMarketData, routingKey, event); err != nil {
			return fmt.Errorf("failed to publish closed candle: %w", err)
		}

		// The bar is out; a requeue from here would emit the bucket twice,
		// so cleanup failures only log.
		if err := a.cache.Set(ctx, marker, end, a.partialTTL); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Failed to record emitted bucket marker")
		}
		if err := a.cache.Delete(ctx, key); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("Failed to delete completed partial")
		}

		metrics.CandlesPublished.WithLabelValues(closed.Exchange, closed.Symbol, closed.Timeframe).Inc()
		a.logger.Info().
			Str("symbol", closed.Symbol).
			Str("timeframe", closed.Timeframe).
			Time("bucket_end", end).
			Msg("Published closed candle")
		return nil
	}

	if err := a.cache.Set(ctx, key, partial, a.partialTTL); err != nil {
		return fmt.Errorf("failed to store partial candle: %w", err)
	}
	metrics.CandlesAggregated.WithLabelValues(b.Exchange, b.Symbol, target).Inc()
	return nil
}

func (a *Aggregator) keyLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	return l
}
