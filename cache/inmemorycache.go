package cache

import (
	"context"
	"sync"
	"time"

	"github.com/plone/guillotina-sub001"
)

type item struct {
	data       []byte
	expiration time.Time
}

// InMemoryCache is a process local guillotina.Cache. It stands in for Redis when a
// single process owns the database.
type InMemoryCache struct {
	mu  sync.Mutex
	mru *MRU[string, item]
}

// NewInMemoryCache returns an InMemoryCache holding up to capacity entries.
func NewInMemoryCache(capacity int) *InMemoryCache {
	return &InMemoryCache{
		mru: NewMRU[string, item](capacity),
	}
}

// NewInMemoryCacheFactory is the guillotina.CacheFactory for the memory cache type.
func NewInMemoryCacheFactory(cfg *guillotina.CacheConfig) (guillotina.Cache, error) {
	return NewInMemoryCache(cfg.Size), nil
}

func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	data := make([]byte, len(value))
	copy(data, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mru.Set(key, item{data: data, expiration: exp})
	return nil
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.mru.Get(key)
	if !ok {
		return false, nil, nil
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		c.mru.Delete(key)
		return false, nil, nil
	}
	return true, it.data, nil
}

func (c *InMemoryCache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mru.Delete(keys...)
	return true, nil
}

func (c *InMemoryCache) Ping(ctx context.Context) error {
	return nil
}

func (c *InMemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mru.Clear()
	return nil
}

// Register adds the memory cache factory to reg.
func Register(reg *guillotina.CacheRegistry) {
	reg.Register(guillotina.CacheMemory, NewInMemoryCacheFactory)
}
