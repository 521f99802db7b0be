package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "perp:kv:"

// CachedBackend wraps a primary Backend with a Redis read-through cache.
// Writes go to the primary and invalidate the touched keys; scans always hit
// the primary so listings stay ordered and exact.
type CachedBackend struct {
	primary Backend
	rdb     *redis.Client
	ttl     time.Duration
}

func NewCachedBackend(primary Backend, rdb *redis.Client, ttl time.Duration) *CachedBackend {
	return &CachedBackend{primary: primary, rdb: rdb, ttl: ttl}
}

func (c *CachedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.rdb.Get(ctx, cachePrefix+key).Bytes()
	if err == nil {
		return data, true, nil
	}

	value, ok, err := c.primary.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	// Cache population is best-effort.
	c.rdb.Set(ctx, cachePrefix+key, value, c.ttl)
	return value, true, nil
}

func (c *CachedBackend) Scan(ctx context.Context, prefix, after string, limit int) ([]KV, error) {
	return c.primary.Scan(ctx, prefix, after, limit)
}

func (c *CachedBackend) Apply(ctx context.Context, mutations []Mutation) error {
	if err := c.primary.Apply(ctx, mutations); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}
	keys := make([]string, 0, len(mutations))
	for _, m := range mutations {
		keys = append(keys, cachePrefix+m.Key)
	}
	c.rdb.Del(ctx, keys...)
	return nil
}

// TryAcquire forwards to the primary. A primary without a shared lock is
// process-local, so the guard's own flag is enough.
func (c *CachedBackend) TryAcquire(ctx context.Context) (func(), bool, error) {
	if l, ok := c.primary.(Locker); ok {
		return l.TryAcquire(ctx)
	}
	return func() {}, true, nil
}

func (c *CachedBackend) Ping(ctx context.Context) error {
	if err := c.primary.Ping(ctx); err != nil {
		return err
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *CachedBackend) Close() {
	c.primary.Close()
	_ = c.rdb.Close()
}
