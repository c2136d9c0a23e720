// Package retry hardens fallible calls at the edges of the export pipeline
// (destination SDK calls, source queries) with bounded exponential backoff.
// It knows nothing about business semantics, only error classification.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config tunes a retried operation. Zero values fall back to the defaults
// below.
type Config struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// InitialDelay is the sleep after the first failed attempt; it doubles
	// on every subsequent failure up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Timeout bounds each individual attempt. A timed-out attempt counts
	// toward MaxAttempts and is always considered retryable.
	Timeout time.Duration
	// RetryIf decides whether an error is worth another attempt. Nil means
	// every error is retryable.
	RetryIf func(error) bool
}

const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 32 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Do invokes op until it succeeds, a non-retryable error occurs, ctx is
// cancelled, or cfg.MaxAttempts attempts are consumed. The last error is
// returned unwrapped so callers can classify it.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		out, err := attemptOnce(ctx, cfg.Timeout, op)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The caller's context died, not the per-attempt timeout.
			return zero, err
		}
		if !errors.Is(err, context.DeadlineExceeded) && cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, backoffDelay(cfg, attempt)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.InitialDelay << uint(attempt)
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	// Full backoff plus up to half again of jitter.
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
