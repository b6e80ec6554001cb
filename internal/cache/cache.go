package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache is a typed key-value store over Redis. Values are JSON-encoded on
// write and decoded on read. A connection loss surfaces as an error on the
// failing call; go-redis reconnects on the next one.
type Cache struct {
	client *redis.Client
}

// New creates a cache over an existing Redis client
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Connect creates a Redis client, verifies connectivity and wraps it
func Connect(ctx context.Context, addr, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", addr).Int("db", db).Msg("Cache connected")

	return &Cache{client: client}, nil
}

// Close closes the underlying Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks Redis connectivity
func (c *Cache) Health(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Get retrieves a JSON value into dest. Returns false when the key is absent.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores a JSON-encoded value. A zero TTL means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Exists reports whether a key is present
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys returns keys matching a glob pattern. Uses SCAN to avoid blocking
// the server on large keyspaces.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Incr atomically increments an integer key
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", key, err)
	}
	return n, nil
}

// HashSet stores a JSON-encoded value under a hash field
func (c *Cache) HashSet(ctx context.Context, key, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", key, field, err)
	}

	if err := c.client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("failed to hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HashGet retrieves a hash field into dest. Returns false when absent.
func (c *Cache) HashGet(ctx context.Context, key, field string, dest interface{}) (bool, error) {
	data, err := c.client.HGet(ctx, key, field).Bytes()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to hget %s/%s: %w", key, field, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", key, field, err)
	}
	return true, nil
}

// HashGetAll returns all fields of a hash as raw JSON strings
func (c *Cache) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return m, nil
}

// HashDelete removes fields from a hash
func (c *Cache) HashDelete(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to hdel %s: %w", key, err)
	}
	return nil
}

// AddToSortedSet adds a JSON-encoded member scored by a float (epoch-ms for
// candle sets).
func (c *Cache) AddToSortedSet(ctx context.Context, key string, member interface{}, score float64) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member for %s: %w", key, err)
	}

	if err := c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("failed to zadd %s: %w", key, err)
	}
	return nil
}

// GetFromSortedSetByScore returns members with score in [min, max] as raw
// JSON strings, ascending by score.
func (c *Cache) GetFromSortedSetByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// GetFromSortedSetAfter returns members with score strictly greater than
// the given score.
func (c *Cache) GetFromSortedSetAfter(ctx context.Context, key string, after float64) ([]string, error) {
	members, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + formatScore(after),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
