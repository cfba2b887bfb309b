package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plone/guillotina-sub001"
)

// LockKey is a held (or attempted) distributed lock.
type LockKey struct {
	Key         string
	LockID      guillotina.UUID
	IsLockOwner bool
}

// Locker hands out TTL bound locks so maintenance jobs such as vacuum run in one
// process at a time.
type Locker struct {
	conn *Connection
}

// NewLocker returns a Locker over conn.
func NewLocker(conn *Connection) *Locker {
	return &Locker{conn: conn}
}

// LockProvider is implemented by caches that can also lock.
type LockProvider interface {
	Locker() *Locker
}

// unlockScript deletes the key only while it still holds our lock id.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// FormatLockKey prefixes the key with 'L' to form the namespaced Redis key used for locking.
func FormatLockKey(k string) string {
	return "L" + k
}

// Lock attempts to take name for duration. It returns the key with IsLockOwner set
// when the lock was acquired.
func (l *Locker) Lock(ctx context.Context, name string, duration time.Duration) (*LockKey, error) {
	if l.conn == nil {
		return nil, errNotOpen
	}
	lk := &LockKey{Key: FormatLockKey(name), LockID: guillotina.NewUUID()}
	ok, err := l.conn.Client.SetNX(ctx, lk.Key, lk.LockID.String(), duration).Result()
	if err != nil {
		return nil, err
	}
	lk.IsLockOwner = ok
	return lk, nil
}

// IsLocked reports whether lk is still held by its owner.
func (l *Locker) IsLocked(ctx context.Context, lk *LockKey) (bool, error) {
	if l.conn == nil {
		return false, errNotOpen
	}
	s, err := l.conn.Client.Get(ctx, lk.Key).Result()
	if keyNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s == lk.LockID.String(), nil
}

// Unlock releases lk when this process owns it.
func (l *Locker) Unlock(ctx context.Context, lk *LockKey) error {
	if lk == nil || !lk.IsLockOwner {
		return nil
	}
	if l.conn == nil {
		return errNotOpen
	}
	err := unlockScript.Run(ctx, l.conn.Client, []string{lk.Key}, lk.LockID.String()).Err()
	if keyNotFound(err) {
		err = nil
	}
	lk.IsLockOwner = false
	return err
}
