package guillotina

import (
	"context"
	log "log/slog"
	"math/rand"
	"sync"
	"time"
)

var (
	jitterLock sync.Mutex
	// jitterRNG is the random source used for sleep jitter.
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r == nil {
		return
	}
	jitterLock.Lock()
	jitterRNG = r
	jitterLock.Unlock()
}

// RandomSleepWithUnit sleeps for a random multiple (1..4) of unit.
// Conflicting units of work use it to stagger their replays.
func RandomSleepWithUnit(ctx context.Context, unit time.Duration) {
	jitterLock.Lock()
	m := time.Duration(jitterRNG.Intn(5))
	jitterLock.Unlock()
	if m == 0 {
		m = 1
	}
	st := m * unit
	log.Debug("sleep jitter", "multiplier", m, "unit", unit, "duration", st)
	Sleep(ctx, st)
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
