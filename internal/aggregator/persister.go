package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/metrics"
)

// CandleStore is the persistence side the persister writes closed bars to
type CandleStore interface {
	InsertCandle(ctx context.Context, c *domain.Candle) error
}

// Persister consumes closed-candle events and fans them out to durable
// storage and the live candle window in the cache.
type Persister struct {
	store     CandleStore
	cache     *cache.Cache
	logger    zerolog.Logger
	windowTTL time.Duration
}

// NewPersister creates a persister. windowTTL bounds the live sorted-set keys.
func NewPersister(store CandleStore, c *cache.Cache, windowTTL time.Duration, logger zerolog.Logger) *Persister {
	return &Persister{
		store:     store,
		cache:     c,
		logger:    logger,
		windowTTL: windowTTL,
	}
}

// HandleCandleEvent is the candles_data queue handler. Insert conflicts are
// treated as success so redelivered events stay idempotent.
func (p *Persister) HandleCandleEvent(ctx context.Context, routingKey string, payload []byte) error {
	var event domain.CandleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("failed to decode candle event %s: %w", routingKey, err)
	}
	if event.Candle == nil {
		p.logger.Warn().Str("routing_key", routingKey).Msg("Candle event without candle payload, skipping")
		return nil
	}
	c := event.Candle

	if err := p.store.InsertCandle(ctx, c); err != nil {
		return fmt.Errorf("failed to persist candle %s: %w", c.Key(), err)
	}
	metrics.CandlesPersisted.Inc()

	source := event.Source
	if source == "" {
		source = domain.SourceLive
	}
	setKey := cache.CandleSetKey(source, c.Exchange, c.Symbol, c.Timeframe)
	if err := p.cache.AddToSortedSet(ctx, setKey, c, float64(c.EpochMilli())); err != nil {
		return fmt.Errorf("failed to cache candle %s: %w", c.Key(), err)
	}

	updatedKey := cache.LastUpdatedKey(c.Exchange, c.Symbol, c.Timeframe)
	watermark := domain.CandleWatermark{Timestamp: c.Timestamp.UTC(), Source: source}
	if err := p.cache.Set(ctx, updatedKey, watermark, p.windowTTL); err != nil {
		return fmt.Errorf("failed to record last update for %s: %w", c.Key(), err)
	}

	p.logger.Debug().
		Str("symbol", c.Symbol).
		Str("timeframe", c.Timeframe).
		Time("timestamp", c.Timestamp).
		Msg("Persisted closed candle")
	return nil
}
