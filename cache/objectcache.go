package cache

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/plone/guillotina-sub001"
	"github.com/plone/guillotina-sub001/encoding"
)

// invalidateBatchSize bounds the keys sent to the shared cache per delete call.
const invalidateBatchSize = 100

// OIDKey is the cache key of the record stored under oid.
func OIDKey(oid string) string {
	return "oid:" + oid
}

// ChildKey is the cache key of the child named id under parentOID.
func ChildKey(parentOID, id string) string {
	return "child:" + parentOID + "/" + id
}

// AnnotationKey is the cache key of the annotation id of ofOID.
func AnnotationKey(ofOID, id string) string {
	return "ann:" + ofOID + "/" + id
}

// RecordKeys lists every key a record can be cached under.
func RecordKeys(rec *guillotina.ObjectRecord) []string {
	keys := []string{OIDKey(rec.OID)}
	if rec.ParentID != "" && rec.ID != "" {
		keys = append(keys, ChildKey(rec.ParentID, rec.ID))
	}
	if rec.Of != "" && rec.ID != "" {
		keys = append(keys, AnnotationKey(rec.Of, rec.ID))
	}
	return keys
}

// ObjectCache keeps recently read object records. The L1 MRU is private to the
// process; the optional L2 is shared and holds encoded records.
type ObjectCache struct {
	mu    sync.Mutex
	l1    *MRU[string, *guillotina.ObjectRecord]
	l2    guillotina.Cache
	codec encoding.Marshaler
	ttl   time.Duration
	fills singleflight.Group

	hits   uint64
	misses uint64
}

// NewObjectCache creates an ObjectCache. l2 may be nil.
func NewObjectCache(size int, ttl time.Duration, l2 guillotina.Cache) *ObjectCache {
	return &ObjectCache{
		l1:    NewMRU[string, *guillotina.ObjectRecord](size),
		l2:    l2,
		codec: encoding.NewMsgPackMarshaler(),
		ttl:   ttl,
	}
}

// Get returns the cached record under key, consulting the shared cache on an L1 miss.
// Shared cache failures degrade to a miss.
func (c *ObjectCache) Get(ctx context.Context, key string) (*guillotina.ObjectRecord, bool) {
	c.mu.Lock()
	rec, ok := c.l1.Get(key)
	if ok {
		c.hits++
	}
	c.mu.Unlock()
	if ok {
		return rec, true
	}
	if c.l2 == nil {
		c.miss()
		return nil, false
	}

	v, err, _ := c.fills.Do(key, func() (any, error) {
		found, ba, err := c.l2.Get(ctx, key)
		if err != nil || !found {
			return nil, err
		}
		r := &guillotina.ObjectRecord{}
		if err := c.codec.Unmarshal(ba, r); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		log.Warn("object cache: shared cache read failed", "key", key, "error", err)
	}
	rec, _ = v.(*guillotina.ObjectRecord)
	if rec == nil {
		c.miss()
		return nil, false
	}
	c.mu.Lock()
	c.l1.Set(key, rec)
	c.hits++
	c.mu.Unlock()
	return rec, true
}

func (c *ObjectCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Set caches rec under key in both levels.
func (c *ObjectCache) Set(ctx context.Context, key string, rec *guillotina.ObjectRecord) {
	c.mu.Lock()
	c.l1.Set(key, rec)
	c.mu.Unlock()
	if c.l2 == nil {
		return
	}
	ba, err := c.codec.Marshal(rec)
	if err == nil {
		err = c.l2.Set(ctx, key, ba, c.ttl)
	}
	if err != nil {
		log.Warn("object cache: shared cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops keys from both levels. The shared cache is purged in batches
// concurrently.
func (c *ObjectCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	c.mu.Lock()
	c.l1.Delete(keys...)
	c.mu.Unlock()
	if c.l2 == nil {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(keys); start += invalidateBatchSize {
		end := min(start+invalidateBatchSize, len(keys))
		batch := keys[start:end]
		eg.Go(func() error {
			_, err := c.l2.Delete(ctx, batch)
			return err
		})
	}
	return eg.Wait()
}

// Clear empties the L1. The shared cache is left alone.
func (c *ObjectCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1.Clear()
}

// Purge empties both levels. Only for maintenance that removes rows no key can be
// derived for anymore, as the shared level is wiped for every process using it.
func (c *ObjectCache) Purge(ctx context.Context) error {
	c.Clear()
	if c.l2 == nil {
		return nil
	}
	return c.l2.Clear(ctx)
}

// Len is the number of L1 entries.
func (c *ObjectCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l1.Len()
}

// Stats returns L1/L2 hit and miss counts since creation.
func (c *ObjectCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
