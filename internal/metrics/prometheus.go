package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution latency histogram with percentile-friendly buckets.
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowengine_execution_seconds",
			Help:    "Workflow execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"}, // completed, partial, failed
	)

	// Node execution counter for throughput tracking, by node kind and
	// terminal status.
	nodeExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_node_executions_total",
			Help: "Total number of node executions by kind and status",
		},
		[]string{"node_kind", "status"},
	)

	// Error rate counter by classified code.
	errorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_errors_total",
			Help: "Total number of node failures by error code",
		},
		[]string{"node_kind", "error_code"},
	)

	// Connector call latency histogram.
	connectorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowengine_connector_latency_seconds",
			Help:    "Connector call latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"connector_id", "status"},
	)

	// Currently active executions gauge.
	activeExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflowengine_active_executions",
			Help: "Current number of in-flight executions",
		},
	)

	// Admission-time quota rejections, by quota kind.
	quotaBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_quota_blocks_total",
			Help: "Total admission rejections by quota kind",
		},
		[]string{"quota_kind"}, // concurrency, rate, usage, connector_concurrency
	)

	// Circuit breaker transitions to open, by connector/node.
	circuitOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowengine_circuit_opens_total",
			Help: "Total circuit breaker transitions to open",
		},
		[]string{"connector_id", "node_id"},
	)
)

// RecordExecution records a completed execution's duration and terminal status.
func RecordExecution(durationSeconds float64, status string) {
	executionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordNodeExecution increments the node execution counter.
func RecordNodeExecution(nodeKind, status string) {
	nodeExecutions.WithLabelValues(nodeKind, status).Inc()
}

// RecordError increments the classified-error counter.
func RecordError(nodeKind, errorCode string) {
	errorCount.WithLabelValues(nodeKind, errorCode).Inc()
}

// RecordConnectorLatency records a connector call's latency.
func RecordConnectorLatency(connectorID string, durationSeconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	connectorLatency.WithLabelValues(connectorID, status).Observe(durationSeconds)
}

// RecordQuotaBlock increments the admission-rejection counter for a quota kind.
func RecordQuotaBlock(quotaKind string) {
	quotaBlocks.WithLabelValues(quotaKind).Inc()
}

// RecordCircuitOpen increments the circuit-open transition counter.
func RecordCircuitOpen(connectorID, nodeID string) {
	circuitOpens.WithLabelValues(connectorID, nodeID).Inc()
}

// IncrementActiveExecutions increments the active-executions gauge.
func IncrementActiveExecutions() {
	activeExecutions.Inc()
}

// DecrementActiveExecutions decrements the active-executions gauge.
func DecrementActiveExecutions() {
	activeExecutions.Dec()
}

// GetMetricsHandler returns the HTTP handler for the /metrics endpoint.
func GetMetricsHandler() http.Handler {
	return promhttp.Handler()
}
