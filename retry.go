package guillotina

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries. Tasks signal a retryable
// failure by returning retry.RetryableError.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(100 * time.Millisecond)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether a storage error is transient. Conflicts are not listed
// here: those replay the whole unit of work rather than the failed call.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrConflictIDOnContainer),
		errors.Is(err, ErrReadOnly),
		errors.Is(err, ErrBlobChunkNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrServerClosing),
		errors.Is(err, ErrInvalidTransactionReference),
		errors.Is(err, ErrTransactionClosed),
		errors.Is(err, ErrNoTransaction),
		errors.Is(err, ErrInvalidStorageType):
		return false
	}
	var ce Error
	if errors.As(err, &ce) && ce.Code == InvalidConfiguration {
		return false
	}
	return true
}
