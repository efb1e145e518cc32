package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// store is the subset of redis.Cmdable the cache uses.
type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// JSONCache stores JSON values under a common key prefix.
type JSONCache struct {
	rdb    store
	prefix string
}

func NewJSONCache(rdb store, prefix string) *JSONCache {
	return &JSONCache{rdb: rdb, prefix: prefix}
}

func (c *JSONCache) key(k string) string { return c.prefix + k }

// GetJSON decodes the value at key into dst. A missing key is (false, nil).
func (c *JSONCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (c *JSONCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *JSONCache) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Connect parses a redis:// URL and pings with a short retry, the way the server
// waits for a cache that is still starting.
func Connect(ctx context.Context, url string, attempts int, delay time.Duration, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	if attempts < 1 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		logger.Warn().Err(err).Int("attempt", i).Int("max_attempts", attempts).Msg("redis ping failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	client.Close()
	return nil, fmt.Errorf("redis unreachable after %d attempts: %w", attempts, err)
}
