package session

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/followaudit/followaudit/internal/domain"
)

const (
	cacheKeyFresh = "followaudit:session:cookie"
	cacheKeyStale = "followaudit:session:cookie:last"
)

// Cache is the fleet-wide cookie cache. The fresh key expires after the TTL;
// the stale key persists so a best-effort value survives while a refresh is
// in flight. Coherence rule: write the DB first, then the cache.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache wraps a Redis client with the given freshness TTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached cookie and whether it is still fresh.
func (c *Cache) Get(ctx domain.Context) (cookie string, fresh bool, err error) {
	v, err := c.rdb.Get(ctx, cacheKeyFresh).Result()
	if err == nil {
		return v, true, nil
	}
	if err != redis.Nil {
		return "", false, fmt.Errorf("op=session_cache.get: %w", err)
	}
	v, err = c.rdb.Get(ctx, cacheKeyStale).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("op=session_cache.get_stale: %w", err)
	}
	return v, false, nil
}

// Set stores the cookie under both keys.
func (c *Cache) Set(ctx domain.Context, cookie string) error {
	if err := c.rdb.Set(ctx, cacheKeyFresh, cookie, c.ttl).Err(); err != nil {
		return fmt.Errorf("op=session_cache.set: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKeyStale, cookie, 0).Err(); err != nil {
		return fmt.Errorf("op=session_cache.set_stale: %w", err)
	}
	return nil
}

// Clear drops both keys, e.g. after the cookie is marked invalid.
func (c *Cache) Clear(ctx domain.Context) error {
	if err := c.rdb.Del(ctx, cacheKeyFresh, cacheKeyStale).Err(); err != nil {
		return fmt.Errorf("op=session_cache.clear: %w", err)
	}
	return nil
}
