// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"math/rand/v2"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// BackoffFunc returns the wait before retry number attempt (one-based).
type BackoffFunc func(attempt int) time.Duration

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// exponentialBackoff doubles from minDelay up to maxDelay with ±20% jitter.
func exponentialBackoff(minDelay, maxDelay time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		backoff := maxDelay
		if attempt <= 30 {
			backoff = min(minDelay*time.Duration(1<<(attempt-1)), maxDelay)
		}
		jitter := 0.8 + 0.4*rand.Float64()
		return min(time.Duration(float64(backoff)*jitter), maxDelay)
	}
}
