// Package retry runs an operation a bounded number of times with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds configuration for retry behavior.
type Config struct {
	// Attempts is the total number of calls, including the first (minimum 1).
	Attempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BackoffFactor multiplies the wait after each failure (default 2).
	BackoffFactor float64

	// Jitter adds rand(0, backoff) on top of each wait.
	Jitter bool
}

// IsRetryableFunc reports whether err should trigger another attempt. nil retries everything.
type IsRetryableFunc func(error) bool

// OnRetryFunc runs before each wait. attempt is the 1-indexed attempt that just failed.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Backoff returns the wait before attempt n+1 after n failures (n >= 1), without jitter.
func (c Config) Backoff(n int) time.Duration {
	c = c.withDefaults()
	d := float64(c.InitialBackoff)
	for i := 1; i < n; i++ {
		d *= c.BackoffFactor
		if time.Duration(d) >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return time.Duration(d)
}

func (c Config) withDefaults() Config {
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, cfg.Attempts is
// exhausted, or ctx ends. fn receives the 1-indexed attempt number.
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return zero, err
		}
		if attempt == cfg.Attempts {
			break
		}

		wait := cfg.Backoff(attempt)
		if cfg.Jitter && wait > 0 {
			wait += time.Duration(rand.Int63n(int64(wait)))
		}
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("cancelled while retrying: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", cfg.Attempts, lastErr)
}

// DoVoid is Do for operations without a result.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func(ctx context.Context, attempt int) error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}
