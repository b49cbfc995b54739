package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheEntries = 4096

// LocalCache is an in-process SecondaryCache with a fixed TTL and a bounded
// number of channels.
type LocalCache struct {
	lru *expirable.LRU[string, []Turn]
}

// NewLocalCache creates a cache holding up to size channels for ttl.
func NewLocalCache(size int, ttl time.Duration) *LocalCache {
	if size <= 0 {
		size = defaultCacheEntries
	}
	return &LocalCache{lru: expirable.NewLRU[string, []Turn](size, nil, ttl)}
}

func (c *LocalCache) Get(_ context.Context, key string) ([]Turn, bool, error) {
	turns, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return cloneTurns(turns), true, nil
}

func (c *LocalCache) Set(_ context.Context, key string, turns []Turn) error {
	c.lru.Add(key, cloneTurns(turns))
	return nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}
