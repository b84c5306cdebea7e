// Package backoff computes exponential retry delays and runs
// context-aware retry loops. The channel reconnect loop and the LLM
// providers share it.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes an exponential backoff schedule.
type Policy struct {
	// InitialMs is the delay after the first failed attempt, in
	// milliseconds.
	InitialMs float64
	// MaxMs caps the delay.
	MaxMs float64
	// Factor multiplies the delay per attempt.
	Factor float64
	// Jitter in [0,1] adds up to that fraction of the base delay.
	Jitter float64
}

// Compute returns the delay for a given attempt. Attempts are
// 1-indexed; anything below 1 is treated as 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with the jitter draw supplied by the
// caller, so tests get deterministic delays. randomValue is in [0,1).
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := math.Min(policy.MaxMs, base+base*policy.Jitter*randomValue)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// ReconnectPolicy returns the channel reconnect schedule: 2s doubling to a
// 60s ceiling, no jitter. Attempt 1 waits 2s, attempt 2 waits 4s, attempt 6
// and beyond wait 60s.
func ReconnectPolicy() Policy {
	return Policy{
		InitialMs: 2000,
		MaxMs:     60000,
		Factor:    2,
		Jitter:    0,
	}
}
