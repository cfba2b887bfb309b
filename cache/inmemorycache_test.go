package cache

import (
	"context"
	"testing"
	"time"

	"github.com/plone/guillotina-sub001"
)

func TestInMemoryCache_BasicOperations(t *testing.T) {
	c := NewInMemoryCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	found, val, err := c.Get(ctx, "k")
	if err != nil || !found || string(val) != "v" {
		t.Fatalf("Get = %v %q %v", found, val, err)
	}
	if _, err := c.Delete(ctx, []string{"k"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if found, _, _ := c.Get(ctx, "k"); found {
		t.Error("Get after delete returned found")
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache(10)
	ctx := context.Background()

	c.Set(ctx, "exp", []byte("v"), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if found, _, _ := c.Get(ctx, "exp"); found {
		t.Error("expired entry still returned")
	}

	c.Set(ctx, "neg", []byte("v"), -1)
	if found, _, _ := c.Get(ctx, "neg"); found {
		t.Error("negative expiration should not cache")
	}
}

func TestCacheRegistry_MemoizesInstances(t *testing.T) {
	reg := guillotina.NewCacheRegistry()
	Register(reg)
	cfg := &guillotina.CacheConfig{Type: guillotina.CacheMemory, Size: 5}

	c1, err := reg.Get(cfg)
	if err != nil {
		t.Fatal(err)
	}
	c2, _ := reg.Get(cfg)
	if c1 != c2 {
		t.Error("expected the same instance for the same config")
	}
	none, err := reg.Get(&guillotina.CacheConfig{Type: guillotina.CacheNone})
	if err != nil || none != nil {
		t.Errorf("none cache = %v, %v", none, err)
	}
	if _, err := reg.Get(&guillotina.CacheConfig{Type: guillotina.CacheRedis}); err == nil {
		t.Error("expected error for unregistered type")
	}
}
