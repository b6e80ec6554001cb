package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/blockflow/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestGetSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type entry struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var out entry
	found, err := c.Get(ctx, "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k1", entry{Name: "a", Count: 2}, 0))

	found, err = c.Get(ctx, "k1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, entry{Name: "a", Count: 2}, out)
}

func TestSetWithTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl-key", "v", time.Minute))
	assert.True(t, mr.Exists("ttl-key"))

	mr.FastForward(2 * time.Minute)

	var out string
	found, err := c.Get(ctx, "ttl-key", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteExistsKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a:1", 1, 0))
	require.NoError(t, c.Set(ctx, "a:2", 2, 0))
	require.NoError(t, c.Set(ctx, "b:1", 3, 0))

	keys, err := c.Keys(ctx, "a:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	ok, err := c.Exists(ctx, "a:1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "a:1"))

	ok, err = c.Exists(ctx, "a:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashOps(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	order := domain.Order{ID: "ex-1", Symbol: "BTC-USD", Status: domain.OrderStatusOpen}
	key := ActiveOrdersKey("binance", "BTC-USD")

	require.NoError(t, c.HashSet(ctx, key, order.ID, order))

	var out domain.Order
	found, err := c.HashGet(ctx, key, "ex-1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.OrderStatusOpen, out.Status)

	all, err := c.HashGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.HashDelete(ctx, key, "ex-1"))
	found, err = c.HashGet(ctx, key, "ex-1", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSortedSetByScore(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key := CandleSetKey(domain.SourceLive, "binance", "BTC-USD", "1h")
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		candle := domain.Candle{
			Exchange:  "binance",
			Symbol:    "BTC-USD",
			Timeframe: "1h",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			IsClosed:  true,
		}
		require.NoError(t, c.AddToSortedSet(ctx, key, candle, float64(candle.EpochMilli())))
	}

	cutoff := float64(base.Add(2 * time.Hour).UnixMilli())
	members, err := c.GetFromSortedSetAfter(ctx, key, cutoff)
	require.NoError(t, err)
	require.Len(t, members, 2)

	var first domain.Candle
	require.NoError(t, json.Unmarshal([]byte(members[0]), &first))
	assert.True(t, first.Timestamp.After(base.Add(2*time.Hour)))

	members, err = c.GetFromSortedSetByScore(ctx, key,
		float64(base.UnixMilli()), float64(base.Add(time.Hour).UnixMilli()))
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestIncr(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestKeyTemplates(t *testing.T) {
	end := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)

	assert.Equal(t, "live:candle:binance:btc-usd:1h",
		CandleSetKey("live", "binance", "btc-usd", "1h"))
	assert.Equal(t, "partial:candle:binance:btc-usd:1h:2024-03-01T01:00:00Z",
		PartialCandleKey("binance", "btc-usd", "1h", end))
	assert.Equal(t, "candle:last_updated:binance:btc-usd:1h",
		LastUpdatedKey("binance", "btc-usd", "1h"))
	assert.Equal(t, "orders:binance:btc-usd:active",
		ActiveOrdersKey("binance", "btc-usd"))
	assert.Equal(t, "signal:binance:btc-usd:abc",
		SignalKey("binance", "btc-usd", "abc"))
	assert.Equal(t, "market:binance:btc-usd:1h:state",
		MarketStateKey("binance", "btc-usd", "1h"))
}
