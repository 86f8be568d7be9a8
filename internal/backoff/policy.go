// Package backoff provides exponential backoff with jitter for retry
// logic around provider requests.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the initial delay, doubled on each attempt.
	Base time.Duration
	// Max caps the exponential term before jitter is added.
	Max time.Duration
}

// DefaultPolicy returns the standard provider retry policy: 1 s base,
// 30 s cap.
func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Max: 30 * time.Second}
}

// Compute calculates the wait for an attempt (0-indexed):
// min(Max, Base * 2^attempt) plus jitter uniform in [0, Base).
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the wait using a provided random value in
// [0.0, 1.0). Exposed for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.Max <= 0 {
		policy.Max = 30 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	base := float64(policy.Base) * math.Pow(2, float64(attempt))
	if base > float64(policy.Max) {
		base = float64(policy.Max)
	}
	jitter := float64(policy.Base) * randomValue
	return time.Duration(base + jitter)
}
