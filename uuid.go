package guillotina

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// UUID is a thin wrapper over github.com/google/uuid.UUID.
type UUID uuid.UUID

// NewUUID returns a new random (version 4) UUID. It retries on error with a 1ms backoff up to 10 times
// and panics only if all attempts fail.
func NewUUID() UUID {
	var err error
	for i := 0; i < 10; i++ {
		var id uuid.UUID
		id, err = uuid.NewRandom()
		if err == nil {
			return UUID(id)
		}
		time.Sleep(time.Millisecond)
	}
	panic(err)
}

// NilUUID is the zero-value UUID.
var NilUUID UUID

// IsNil reports whether the UUID equals the zero-value UUID.
func (id UUID) IsNil() bool {
	return id == NilUUID
}

// String returns the canonical dashed representation.
func (id UUID) String() string {
	return uuid.UUID(id).String()
}

// Hex returns the 32 character lowercase hex form, without dashes.
func (id UUID) Hex() string {
	return hex.EncodeToString(id[:])
}
