package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter for controlling concurrency.
type RateLimiter struct {
	maxConcurrent int
	tokens        chan struct{}
	mu            sync.Mutex
}

// NewRateLimiter creates a rate limiter with the specified maximum concurrent operations.
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	rl := &RateLimiter{
		maxConcurrent: maxConcurrent,
		tokens:        make(chan struct{}, maxConcurrent),
	}

	// Fill the token bucket
	for i := 0; i < maxConcurrent; i++ {
		rl.tokens <- struct{}{}
	}

	return rl
}

// Acquire blocks until a token is available or context is cancelled.
// Returns an error if the context is cancelled before a token is acquired.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rate limiter acquire cancelled: %w", ctx.Err())
	}
}

// TryAcquire attempts to acquire a token without blocking.
// Returns true if a token was acquired, false otherwise.
func (rl *RateLimiter) TryAcquire() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// AcquireWithTimeout attempts to acquire a token with a timeout.
func (rl *RateLimiter) AcquireWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return rl.Acquire(ctx)
}

// Release returns a token to the bucket, allowing another operation to proceed.
func (rl *RateLimiter) Release() {
	select {
	case rl.tokens <- struct{}{}:
	default:
		// This should never happen if Acquire/Release are balanced
		// Log a warning in production
	}
}

// Available returns the number of available tokens.
func (rl *RateLimiter) Available() int {
	return len(rl.tokens)
}

// RateLimiterManager manages rate limiters keyed dynamically by connector
// id or tenant id, rather than the teacher's 3 fixed agent-service keys —
// this engine's connectors and organizations are client-declared and
// unbounded in number, so limiters are created lazily on first use and
// default to a configured concurrency cap (this is the
// `CONNECTOR_CONCURRENCY` check of §4.5.1/§7).
type RateLimiterManager struct {
	limiters        map[string]*RateLimiter
	defaultCapacity int
	mu              sync.RWMutex
}

// NewRateLimiterManager creates an empty manager; defaultCapacity bounds
// any key that GetLimiter sees for the first time.
func NewRateLimiterManager(defaultCapacity int) *RateLimiterManager {
	if defaultCapacity <= 0 {
		defaultCapacity = 1000
	}
	return &RateLimiterManager{
		limiters:        make(map[string]*RateLimiter),
		defaultCapacity: defaultCapacity,
	}
}

// GetLimiter returns the rate limiter for a key (a connector id or
// "tenant:<organizationId>"), creating one at the default capacity if this
// is the first time the key has been seen.
func (m *RateLimiterManager) GetLimiter(key string) *RateLimiter {
	m.mu.RLock()
	limiter, ok := m.limiters[key]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok := m.limiters[key]; ok {
		return limiter
	}
	limiter = NewRateLimiter(m.defaultCapacity)
	m.limiters[key] = limiter
	return limiter
}

// SetLimiter sets or updates a rate limiter for a key — used to apply a
// connector's own declared concurrency cap instead of the manager default.
func (m *RateLimiterManager) SetLimiter(key string, maxConcurrent int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.limiters[key] = NewRateLimiter(maxConcurrent)
}
