package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plone/guillotina-sub001"
)

var errNotOpen = errors.New("redis connection is not open")

type client struct {
	conn    *Connection
	isOwner bool
}

// NewClient wraps an open connection. Closing the client leaves conn open.
func NewClient(conn *Connection) guillotina.CloseableCache {
	return &client{conn: conn}
}

// NewConnectionClient opens a new connection and returns a client owning it.
func NewConnectionClient(options Options) (guillotina.CloseableCache, error) {
	c, err := OpenConnection(options)
	if err != nil {
		return nil, err
	}
	return &client{conn: c, isOwner: true}, nil
}

// NewCacheFactory is the guillotina.CacheFactory for the redis cache type.
func NewCacheFactory(cfg *guillotina.CacheConfig) (guillotina.Cache, error) {
	return NewConnectionClient(OptionsFromConfig(cfg.Redis))
}

// Register adds the redis cache factory to reg.
func Register(reg *guillotina.CacheRegistry) {
	reg.Register(guillotina.CacheRedis, NewCacheFactory)
}

// Close this client's connection.
func (c *client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func keyNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Ping tests connectivity for redis (PONG should be returned)
func (c *client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	pong, err := c.conn.Client.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Clear the cache. Be cautions calling this method as it will clear the Redis cache.
func (c *client) Clear(ctx context.Context) error {
	if c.conn == nil {
		return errNotOpen
	}
	return c.conn.Client.FlushDB(ctx).Err()
}

// Set executes the redis Set command
func (c *client) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if c.conn == nil {
		return errNotOpen
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command
func (c *client) Get(ctx context.Context, key string) (bool, []byte, error) {
	if c.conn == nil {
		return false, nil, errNotOpen
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	// Convert key not found into returning false and nil err.
	if keyNotFound(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, ba, nil
}

// Delete executes the redis Del command
func (c *client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, errNotOpen
	}
	if len(keys) == 0 {
		return true, nil
	}
	n, err := c.conn.Client.Del(ctx, keys...).Result()
	if keyNotFound(err) {
		return false, nil
	}
	return n > 0, err
}

// Locker returns the distributed locker sharing this client's connection.
func (c *client) Locker() *Locker {
	return &Locker{conn: c.conn}
}
