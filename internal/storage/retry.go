package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// SQLite primary result codes for lock contention. Extended codes carry the
// primary code in their low byte.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// isRetriable returns true for SQLite errors that indicate a transient lock conflict.
func isRetriable(err error) bool {
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return false
	}
	switch coded.Code() & 0xff {
	case sqliteBusy, sqliteLocked:
		return true
	default:
		return false
	}
}

// WithRetry executes fn, retrying up to maxRetries times on busy or locked errors.
// Retries use jittered exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
