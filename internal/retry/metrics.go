package retry

import (
	"fmt"
	"sync"
)

// NodeMetrics tracks retry bookkeeping for a single node within one execution.
type NodeMetrics struct {
	NodeID             string
	TotalAttempts      int
	SuccessCount       int
	FailureCount       int
	FailuresByCode     map[ErrorCode]int
	CircuitBreakerHits int
}

// RetryMetrics tracks retry statistics across all nodes in an execution.
type RetryMetrics struct {
	mu          sync.RWMutex
	nodeMetrics map[string]*NodeMetrics
}

// NewRetryMetrics creates a new metrics tracker.
func NewRetryMetrics() *RetryMetrics {
	return &RetryMetrics{
		nodeMetrics: make(map[string]*NodeMetrics),
	}
}

func (rm *RetryMetrics) entry(nodeID string) *NodeMetrics {
	if rm.nodeMetrics[nodeID] == nil {
		rm.nodeMetrics[nodeID] = &NodeMetrics{NodeID: nodeID, FailuresByCode: make(map[ErrorCode]int)}
	}
	return rm.nodeMetrics[nodeID]
}

// RecordAttempt records a retry attempt for a node.
func (rm *RetryMetrics) RecordAttempt(nodeID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entry(nodeID).TotalAttempts++
}

// RecordSuccess records a successful execution.
func (rm *RetryMetrics) RecordSuccess(nodeID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entry(nodeID).SuccessCount++
}

// RecordFailure records a failed execution with its classified error code.
func (rm *RetryMetrics) RecordFailure(nodeID string, code ErrorCode) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	metrics := rm.entry(nodeID)
	metrics.FailureCount++
	metrics.FailuresByCode[code]++
}

// RecordCircuitBreakerHit records when a circuit breaker blocks a request.
func (rm *RetryMetrics) RecordCircuitBreakerHit(nodeID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.entry(nodeID).CircuitBreakerHits++
}

// GetNodeMetrics returns a copy of the metrics for a specific node.
func (rm *RetryMetrics) GetNodeMetrics(nodeID string) *NodeMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	metrics, exists := rm.nodeMetrics[nodeID]
	if !exists {
		return nil
	}
	return copyMetrics(metrics)
}

// GetAllMetrics returns a copy of every tracked node's metrics.
func (rm *RetryMetrics) GetAllMetrics() map[string]*NodeMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	result := make(map[string]*NodeMetrics, len(rm.nodeMetrics))
	for nodeID, metrics := range rm.nodeMetrics {
		result[nodeID] = copyMetrics(metrics)
	}
	return result
}

func copyMetrics(m *NodeMetrics) *NodeMetrics {
	byCode := make(map[ErrorCode]int, len(m.FailuresByCode))
	for code, count := range m.FailuresByCode {
		byCode[code] = count
	}
	return &NodeMetrics{
		NodeID:             m.NodeID,
		TotalAttempts:      m.TotalAttempts,
		SuccessCount:       m.SuccessCount,
		FailureCount:       m.FailureCount,
		FailuresByCode:     byCode,
		CircuitBreakerHits: m.CircuitBreakerHits,
	}
}

// Summary returns a human-readable rollup, used in operator-facing logs.
func (rm *RetryMetrics) Summary() string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if len(rm.nodeMetrics) == 0 {
		return "No retry metrics recorded"
	}

	summary := fmt.Sprintf("Retry metrics (%d nodes):\n", len(rm.nodeMetrics))

	var totalAttempts, totalFailures, totalRetries int
	for nodeID, metrics := range rm.nodeMetrics {
		totalAttempts += metrics.TotalAttempts
		totalFailures += metrics.FailureCount

		if metrics.TotalAttempts > 1 {
			totalRetries += metrics.TotalAttempts - 1
			summary += fmt.Sprintf("  - %s: %d attempts, %d failures %v\n",
				nodeID, metrics.TotalAttempts, metrics.FailureCount, metrics.FailuresByCode)
		}
	}

	summary += fmt.Sprintf("Total: %d attempts, %d retries, %d failures\n", totalAttempts, totalRetries, totalFailures)
	return summary
}
