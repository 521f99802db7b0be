package oracle

import (
	"context"
	"sync"

	fpmath "PerpSettle/internal/math"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ReferenceFeed supplies an independent price to bound attestations.
// ok is false when no reference exists for asset; the deviation check is
// then skipped.
type ReferenceFeed interface {
	ReferencePrice(ctx context.Context, asset string) (price int64, ok bool, err error)
}

// StaticReferenceFeed serves prices loaded from configuration.
type StaticReferenceFeed struct {
	mu     sync.RWMutex
	prices map[string]int64
}

func NewStaticReferenceFeed(prices map[string]int64) *StaticReferenceFeed {
	cp := make(map[string]int64, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticReferenceFeed{prices: cp}
}

func (f *StaticReferenceFeed) ReferencePrice(_ context.Context, asset string) (int64, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[asset]
	return p, ok, nil
}

// Set replaces the reference for asset.
func (f *StaticReferenceFeed) Set(asset string, price int64) {
	f.mu.Lock()
	f.prices[asset] = price
	f.mu.Unlock()
}

// RedisReferenceFeed reads decimal strings at "ref:<asset>", written by an
// external price relay.
type RedisReferenceFeed struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisReferenceFeed(rdb *redis.Client) *RedisReferenceFeed {
	return &RedisReferenceFeed{rdb: rdb, prefix: "ref:"}
}

func (f *RedisReferenceFeed) ReferencePrice(ctx context.Context, asset string) (int64, bool, error) {
	raw, err := f.rdb.Get(ctx, f.prefix+asset).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "oracle: reference for %s", asset)
	}
	price, err := fpmath.ParseDecimal(raw, fpmath.USDConfig)
	if err != nil {
		return 0, false, errors.Wrapf(err, "oracle: reference for %s", asset)
	}
	return price, true, nil
}

// ChainedReferenceFeed returns the first feed that has a price.
type ChainedReferenceFeed []ReferenceFeed

func (c ChainedReferenceFeed) ReferencePrice(ctx context.Context, asset string) (int64, bool, error) {
	for _, f := range c {
		p, ok, err := f.ReferencePrice(ctx, asset)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return p, true, nil
		}
	}
	return 0, false, nil
}
