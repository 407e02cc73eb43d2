package retry

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the backoff schedule applied between node attempts.
type RetryPolicy struct {
	MaxAttempts       int           // retries after the initial attempt; 0 = no retries
	InitialDelay      time.Duration // delay before the first retry
	BackoffMultiplier float64
	MaxDelay          time.Duration
	JitterFraction    float64 // +/- fraction of the computed delay to randomize, e.g. 0.25
	MinDelay          time.Duration
}

// DefaultPolicy mirrors the engine's default retry schedule: 3 retries
// starting at 1s with 2x backoff, capped at 30s, +/-25% jitter with a
// 100ms floor so a zero-delay retry never fires immediately after failure.
func DefaultPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterFraction:    0.25,
		MinDelay:          100 * time.Millisecond,
	}
}

// ExponentialBackoff computes the jittered delay before the given 0-indexed
// retry attempt (0 = first retry). Jitter is applied symmetrically around
// the deterministic exponential value, then clamped to [MinDelay, MaxDelay].
func ExponentialBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}

	if policy.JitterFraction > 0 {
		jitter := base * policy.JitterFraction
		base += (rand.Float64()*2 - 1) * jitter
	}

	delay := time.Duration(base)
	if delay < policy.MinDelay {
		delay = policy.MinDelay
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether another attempt is permitted after the given
// 0-indexed attempt count.
func (p *RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
