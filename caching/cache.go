/*
Package caching provides a read-through cache in front of the reward
catalog.

PURPOSE:
  Every event (direct or webhook) starts with an active-reward lookup.
  The catalog changes rarely and only through the admin API, so lookups
  are served from Redis (optionally fronted by an in-process TinyLFU)
  and invalidated on every catalog write.

DEGRADATION:
  A cache that cannot be read is treated as a miss. A cache that cannot
  be written is ignored. Losing Redis slows lookups down; it never fails
  an event.

SEE ALSO:
  - catalog.go: CatalogCache decorator
*/
package caching

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// INTERFACES
// =============================================================================

type ReadOnlyCache interface {
	// Get decodes the cached value into target. A missing key returns
	// cache.ErrCacheMiss.
	Get(ctx context.Context, key string, target any) error
}

type Cache interface {
	ReadOnlyCache
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// UseCache returns the cached value for key, or computes it with load and
// stores it for ttl. Errors from load are returned and never cached.
func UseCache[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	var v T
	err := c.Get(ctx, key, &v)
	if err == nil {
		return v, nil
	}
	readable := errors.Is(err, cache.ErrCacheMiss)

	v, err = load()
	if err != nil {
		return v, err
	}

	if readable {
		//nolint:errcheck
		c.Set(ctx, key, v, ttl)
	}
	return v, nil
}

// =============================================================================
// REDIS
// =============================================================================

// RedisCache stores msgpack-encoded values in Redis.
type RedisCache struct {
	instance *cache.Cache
}

// NewRedisCache builds a cache over client. With withLocalCache, reads
// are first served from an in-process TinyLFU holding up to 10k keys
// for one minute.
func NewRedisCache(client redis.UniversalClient, withLocalCache bool) *RedisCache {
	var local cache.LocalCache
	if withLocalCache {
		local = cache.NewTinyLFU(10000, time.Minute)
	}
	return &RedisCache{instance: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: local,
	})}
}

// NewRedisClient connects to a redis:// or rediss:// URL.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string, target any) error {
	return c.instance.Get(ctx, key, target)
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.instance.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: value,
		TTL:   ttl,
	})
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	err := c.instance.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
