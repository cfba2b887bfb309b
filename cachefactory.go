package guillotina

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Cache is a shared (L2) byte cache. A miss reports false with a nil error.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Get(ctx context.Context, key string) (bool, []byte, error)
	Delete(ctx context.Context, keys []string) (bool, error)
	Ping(ctx context.Context) error
	// Clear removes every entry. Be cautious, shared caches are wiped for all processes.
	Clear(ctx context.Context) error
}

// CloseableCache is a Cache that owns its connection.
type CloseableCache interface {
	Cache
	Close() error
}

// CacheFactory defines the function signature for creating a cache client.
type CacheFactory func(cfg *CacheConfig) (Cache, error)

// CacheRegistry maps cache types to factories and memoizes the instance per
// configuration so managers sharing a config share the cache.
type CacheRegistry struct {
	lock      sync.Mutex
	factories map[string]CacheFactory
	instances map[string]Cache
}

// NewCacheRegistry returns an empty registry.
func NewCacheRegistry() *CacheRegistry {
	return &CacheRegistry{
		factories: make(map[string]CacheFactory),
		instances: make(map[string]Cache),
	}
}

// Register registers a cache factory for a given type.
func (r *CacheRegistry) Register(cacheType string, f CacheFactory) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.factories[cacheType] = f
}

// Get returns the cache for cfg, creating it on first use. A none cache type yields nil.
func (r *CacheRegistry) Get(cfg *CacheConfig) (Cache, error) {
	if cfg == nil || cfg.Type == "" || cfg.Type == CacheNone {
		return nil, nil
	}
	key := cacheInstanceKey(cfg)

	r.lock.Lock()
	defer r.lock.Unlock()
	if c, ok := r.instances[key]; ok {
		return c, nil
	}
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("no cache factory registered for %q", cfg.Type)
	}
	c, err := f(cfg)
	if err != nil {
		return nil, err
	}
	r.instances[key] = c
	return c, nil
}

// Close closes every CloseableCache instance and forgets all instances.
func (r *CacheRegistry) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	var lastErr error
	for k, c := range r.instances {
		if cc, ok := c.(CloseableCache); ok {
			if err := cc.Close(); err != nil {
				lastErr = err
			}
		}
		delete(r.instances, k)
	}
	return lastErr
}

func cacheInstanceKey(cfg *CacheConfig) string {
	if cfg.Type != CacheRedis || cfg.Redis == nil {
		return cfg.Type
	}
	if cfg.Redis.URL != "" {
		return cfg.Type + ":" + cfg.Redis.URL
	}
	return fmt.Sprintf("%s:%s/%d", cfg.Type, cfg.Redis.Address, cfg.Redis.DB)
}
