package backoff

import (
	"context"
	"time"
)

// Sleep waits for the attempt's computed backoff, honoring context
// cancellation.
func Sleep(ctx context.Context, policy Policy, attempt int) error {
	return SleepFor(ctx, Compute(policy, attempt))
}

// SleepFor waits for a fixed duration, honoring context cancellation.
// Used when a server supplies its own retry-after value.
func SleepFor(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
