// Package retry implements the fixed-schedule retry policy spec.md §7
// prescribes for TransientPersistenceError: 3 attempts, 100ms base,
// doubling backoff, then surfaced as BusinessLogicError.
package retry

import (
	"context"
	"time"

	"github.com/ms5/telemetry-engine/internal/apperrors"
)

const (
	defaultAttempts = 3
	baseDelay       = 100 * time.Millisecond
)

// Do runs fn up to `attempts` times (default 3 if attempts <= 0), doubling
// the delay between tries. If every attempt fails, the last error is
// wrapped as a BusinessLogicError per spec.md §7.
func Do(ctx context.Context, attempts int, op string, fn func() error) error {
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	var lastErr error
	delay := baseDelay
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}

	return apperrors.BusinessLogic("%s: exhausted %d retries: %v", op, attempts, lastErr)
}
