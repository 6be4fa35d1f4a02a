package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Av7danger/insider-detect/internal/ensemble"
)

// keyPrefix namespaces cache keys so a shared Redis can host other state.
const keyPrefix = "verdict:"

// RedisCache is a Cache backed by a shared Redis instance. Expiry is
// delegated to Redis key TTLs, so Get never has to check timestamps.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis at url (redis://host:port/db form)
// and verifies the connection before returning.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (ensemble.Verdict, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return ensemble.Verdict{}, false, nil
	}
	if err != nil {
		return ensemble.Verdict{}, false, fmt.Errorf("cache get: %w", err)
	}

	var v ensemble.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry is a miss; the caller recomputes and overwrites.
		return ensemble.Verdict{}, false, nil
	}
	return v, true, nil
}

func (c *RedisCache) Put(ctx context.Context, fingerprint string, v ensemble.Verdict) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+fingerprint, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
