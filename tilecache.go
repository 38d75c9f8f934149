package rasterstream

import (
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

const tileTTL = 10 * time.Minute

// tileCache keeps decoded tiles in memory. Concurrent loads of the same key are
// collapsed into one.
type tileCache[T any] struct {
	cache    *ccache.Cache[T]
	inflight singleflight.Group
}

func newTileCache[T any](size int64) *tileCache[T] {
	prune := uint32(max(size/16, 1))
	return &tileCache[T]{
		cache: ccache.New(ccache.Configure[T]().MaxSize(size).ItemsToPrune(prune)),
	}
}

// get returns the cached value for key or calls load once to produce it.
// Failed loads are not cached.
func (c *tileCache[T]) get(key string, load func() (T, error)) (T, error) {
	if item := c.cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := c.inflight.Do(key, func() (any, error) {
		val, err := load()
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, val, tileTTL)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *tileCache[T]) close() {
	c.cache.Stop()
}
