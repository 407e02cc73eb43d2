package retry

import (
	"sync"
	"time"
)

// CircuitState is one of the three states a breaker can be in.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a three-state breaker keyed on consecutive failure
// count rather than failure rate: any single failure while half-open
// reopens it, a single success while half-open closes it, and it only
// opens from closed once consecutiveFailures reaches the threshold. This
// is a deliberate departure from a rate-based breaker — rate thresholds
// hide a short, sharp burst of consecutive failures behind a large enough
// request denominator, which is exactly the failure mode this engine
// needs to catch fast per connector.
type CircuitBreaker struct {
	mu sync.RWMutex

	failureThreshold int
	openTimeout      time.Duration

	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	lastActivity        time.Time
}

// NewCircuitBreaker creates a breaker with the given consecutive-failure
// threshold and open duration.
func NewCircuitBreaker(failureThreshold int, openTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		state:            CircuitClosed,
		lastActivity:     time.Now(),
	}
}

// ShouldAllow reports whether a request may proceed, transitioning
// Open -> HalfOpen once openTimeout has elapsed.
func (cb *CircuitBreaker) ShouldAllow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.openTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the consecutive-failure counter and, if half-open,
// closes the circuit immediately — one probe success is enough proof of
// recovery.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.lastActivity = time.Now()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
	}
}

// RecordFailure increments the consecutive-failure counter. From closed,
// the circuit opens once the counter reaches the threshold. From
// half-open, any single failure reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastActivity = time.Now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// ConsecutiveFailures returns the current run length of failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.consecutiveFailures
}

// inactiveClosedSince reports whether this breaker is closed and has seen
// no activity since cutoff.
func (cb *CircuitBreaker) inactiveClosedSince(cutoff time.Time) bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == CircuitClosed && cb.lastActivity.Before(cutoff)
}

// Breakers manages one CircuitBreaker per (connectorId, nodeId) pair,
// creating entries lazily on first use.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold int
	openTimeout      time.Duration
}

// NewBreakers creates a manager whose breakers all share the given
// threshold/timeout configuration.
func NewBreakers(failureThreshold int, openTimeout time.Duration) *Breakers {
	return &Breakers{
		breakers:         make(map[string]*CircuitBreaker),
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
	}
}

func breakerKey(connectorID, nodeID string) string {
	return connectorID + "::" + nodeID
}

// Get returns the breaker for a (connectorId, nodeId) pair, creating it
// if this is the first time it's been seen.
func (b *Breakers) Get(connectorID, nodeID string) *CircuitBreaker {
	key := breakerKey(connectorID, nodeID)

	b.mu.RLock()
	breaker, exists := b.breakers[key]
	b.mu.RUnlock()
	if exists {
		return breaker
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if breaker, exists := b.breakers[key]; exists {
		return breaker
	}

	breaker = NewCircuitBreaker(b.failureThreshold, b.openTimeout)
	b.breakers[key] = breaker
	return breaker
}

// ShouldAllow checks the breaker for the given pair.
func (b *Breakers) ShouldAllow(connectorID, nodeID string) bool {
	return b.Get(connectorID, nodeID).ShouldAllow()
}

// RecordSuccess records a success for the given pair.
func (b *Breakers) RecordSuccess(connectorID, nodeID string) {
	b.Get(connectorID, nodeID).RecordSuccess()
}

// RecordFailure records a failure for the given pair.
func (b *Breakers) RecordFailure(connectorID, nodeID string) {
	b.Get(connectorID, nodeID).RecordFailure()
}

// Snapshot returns the state of every breaker currently tracked, keyed by
// "connectorId::nodeId", for inspection. Nothing in the engine writes it
// to the store's circuit breaker rows.
func (b *Breakers) Snapshot() map[string]CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]CircuitState, len(b.breakers))
	for k, breaker := range b.breakers {
		out[k] = breaker.State()
	}
	return out
}

// EvictInactive drops closed breakers that have seen no activity since
// cutoff, bounding the in-process map's growth — run by the hourly
// maintenance sweep alongside the persisted breaker-row cleanup (§4.2:
// "drop closed breakers inactive for 7 days"). Open or half-open breakers
// are never evicted regardless of age.
func (b *Breakers) EvictInactive(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for k, breaker := range b.breakers {
		if breaker.inactiveClosedSince(cutoff) {
			delete(b.breakers, k)
			evicted++
		}
	}
	return evicted
}
