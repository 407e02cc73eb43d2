package retry

import (
	"testing"
	"time"
)

func TestExponentialBackoff_RespectsBoundsWithJitter(t *testing.T) {
	policy := DefaultPolicy()

	for attempt := 0; attempt < 10; attempt++ {
		delay := ExponentialBackoff(policy, attempt)
		if delay < policy.MinDelay {
			t.Errorf("attempt %d: delay %v below floor %v", attempt, delay, policy.MinDelay)
		}
		if delay > policy.MaxDelay {
			t.Errorf("attempt %d: delay %v above cap %v", attempt, delay, policy.MaxDelay)
		}
	}
}

func TestExponentialBackoff_GrowsWithAttempt(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
		JitterFraction:    0, // disable jitter to assert monotonic growth deterministically
		MinDelay:          0,
	}

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		delay := ExponentialBackoff(policy, attempt)
		if delay <= prev {
			t.Fatalf("attempt %d: expected growth, got %v after %v", attempt, delay, prev)
		}
		prev = delay
	}
}

func TestShouldRetry(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3}

	if !policy.ShouldRetry(0) || !policy.ShouldRetry(2) {
		t.Fatal("expected retries within MaxAttempts to be allowed")
	}
	if policy.ShouldRetry(3) {
		t.Fatal("expected retry at MaxAttempts to be denied")
	}
}
