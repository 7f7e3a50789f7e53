package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// IsRetriable reports whether err is a transient storage failure.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// WithRetry executes fn, retrying up to maxRetries times on ErrUnavailable.
// Retries use jittered exponential backoff starting at baseDelay. Other
// failure kinds return immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		delay := baseDelay
		if baseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		baseDelay *= 2
	}
	return err
}
