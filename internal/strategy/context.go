package strategy

import (
	"context"
	"fmt"

	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/domain"
)

// ContextProvider supplies the externally produced market-structure view.
// A nil context with nil error means no context is available yet.
type ContextProvider interface {
	Context(ctx context.Context, exchange, symbol, timeframe string) (*domain.MarketContext, error)
}

// CacheContextProvider reads market contexts from the shared cache, where
// the structure producer publishes them.
type CacheContextProvider struct {
	cache *cache.Cache
}

// NewCacheContextProvider creates a cache-backed context provider
func NewCacheContextProvider(c *cache.Cache) *CacheContextProvider {
	return &CacheContextProvider{cache: c}
}

func (p *CacheContextProvider) Context(ctx context.Context, exchange, symbol, timeframe string) (*domain.MarketContext, error) {
	var mc domain.MarketContext
	found, err := p.cache.Get(ctx, cache.MarketStateKey(exchange, symbol, timeframe), &mc)
	if err != nil {
		return nil, fmt.Errorf("failed to load market context %s %s: %w", symbol, timeframe, err)
	}
	if !found {
		return nil, nil
	}
	return &mc, nil
}

// StaticContextProvider serves fixed contexts, used by tests and backtests
type StaticContextProvider struct {
	contexts map[string]*domain.MarketContext
}

// NewStaticContextProvider creates a provider over fixed contexts keyed by
// symbol|timeframe.
func NewStaticContextProvider() *StaticContextProvider {
	return &StaticContextProvider{contexts: make(map[string]*domain.MarketContext)}
}

// Set stores the context served for (symbol, timeframe)
func (p *StaticContextProvider) Set(symbol, timeframe string, mc *domain.MarketContext) {
	p.contexts[symbol+"|"+timeframe] = mc
}

func (p *StaticContextProvider) Context(ctx context.Context, exchange, symbol, timeframe string) (*domain.MarketContext, error) {
	return p.contexts[symbol+"|"+timeframe], nil
}
