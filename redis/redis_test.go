package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/plone/guillotina-sub001"
)

func testOptions(t *testing.T) Options {
	addr := os.Getenv("GUILLOTINA_REDIS_ADDR")
	if addr == "" {
		t.Skip("GUILLOTINA_REDIS_ADDR not set")
	}
	o := DefaultOptions()
	o.Address = addr
	return o
}

func TestBasicUse(t *testing.T) {
	c, err := NewConnectionClient(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Set(ctx, "guillotina:test", []byte("foo"), time.Minute); err != nil {
		t.Fatal(err)
	}
	found, ba, err := c.Get(ctx, "guillotina:test")
	if err != nil || !found || string(ba) != "foo" {
		t.Fatalf("Get = %v %q %v", found, ba, err)
	}
	if _, err := c.Delete(ctx, []string{"guillotina:test"}); err != nil {
		t.Fatal(err)
	}
	if found, _, err := c.Get(ctx, "guillotina:test"); found || err != nil {
		t.Errorf("key survived delete: %v %v", found, err)
	}
}

func TestLocker(t *testing.T) {
	conn, err := OpenConnection(testOptions(t))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	l := NewLocker(conn)

	first, err := l.Lock(ctx, "vacuum-test", time.Minute)
	if err != nil || !first.IsLockOwner {
		t.Fatalf("first lock = %+v, %v", first, err)
	}
	second, err := l.Lock(ctx, "vacuum-test", time.Minute)
	if err != nil || second.IsLockOwner {
		t.Fatalf("second lock should fail: %+v, %v", second, err)
	}
	if err := l.Unlock(ctx, first); err != nil {
		t.Fatal(err)
	}
	if locked, _ := l.IsLocked(ctx, first); locked {
		t.Error("lock still held after unlock")
	}
}

func TestOpenConnectionParsesURL(t *testing.T) {
	conn, err := OpenConnection(Options{URL: "redis://:secret@example.com:6380/2"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	o := conn.Client.Options()
	if o.Addr != "example.com:6380" || o.DB != 2 || o.Password != "secret" {
		t.Errorf("parsed options = %s db=%d", o.Addr, o.DB)
	}
	if _, err := OpenConnection(Options{URL: "http://nope"}); err == nil {
		t.Error("expected error for bad scheme")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	o := OptionsFromConfig(&guillotina.RedisConfig{Address: "h:1", DB: 3})
	if o.Address != "h:1" || o.DB != 3 {
		t.Errorf("options = %+v", o)
	}
	if OptionsFromConfig(nil).Address != "localhost:6379" {
		t.Error("nil config should give defaults")
	}
}

func TestMockClientRecordsDeletes(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient()
	m.Set(ctx, "a", []byte("1"), 0)
	if found, _ := m.Delete(ctx, []string{"a", "b"}); !found {
		t.Error("expected found")
	}
	if len(m.Deleted) != 2 || m.Has("a") {
		t.Errorf("deleted = %v", m.Deleted)
	}
}
