package eventbus

import (
	"time"

	"github.com/maypok86/otter/v2"
)

// TtlCache is a small generic wrapper over otter's W-TinyLFU cache, used
// for the api-key record cache (auth.CachedKeyStore); the routing table is
// a plain map behind its own lock. Entries are evicted either by TTL or by
// an eventbus eviction event, whichever comes first.
type TtlCache[K comparable, V any] struct {
	cache *otter.Cache[K, V]
}

// NewTtlCache creates a cache bounded to maxSize entries, each written
// entry expiring defaultTTL after being set.
func NewTtlCache[K comparable, V any](maxSize int, defaultTTL time.Duration) (*TtlCache[K, V], error) {
	c, err := otter.New[K, V](&otter.Options[K, V]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[K, V](defaultTTL),
	})
	if err != nil {
		return nil, err
	}
	return &TtlCache[K, V]{cache: c}, nil
}

func (c *TtlCache[K, V]) Get(key K) (V, bool) {
	return c.cache.GetIfPresent(key)
}

func (c *TtlCache[K, V]) Set(key K, value V) {
	c.cache.Set(key, value)
}

func (c *TtlCache[K, V]) Delete(key K) {
	c.cache.Invalidate(key)
}

func (c *TtlCache[K, V]) Clear() {
	c.cache.InvalidateAll()
}
