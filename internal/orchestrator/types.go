// Package orchestrator is the ExecutionOrchestrator (C5): admission,
// per-tenant fair dispatch, lease+heartbeat, the node execution loop, and
// suspension/resume. Grounded on the teacher's internal/executor package
// (batch-scheduling channel loop + per-node lock/rate-limit/retry
// wrapper), retargeted from DeepDAG's 3 fixed agent services onto this
// engine's generic connector/builtin/sandboxed/delay node kinds.
package orchestrator

import (
	"time"

	"workflowengine/internal/execgraph"
)

// ResumeState is the byte-stable snapshot a suspended execution persists
// and a later worker reconstructs from: nodeOutputs, the last node's
// output, the remaining topological order, and the deterministic keys
// already assigned so a resume never recomputes a key that diverges from
// the original run (§4.5.5's determinism guarantee).
type ResumeState struct {
	NodeOutputs      map[string]interface{} `json:"nodeOutputs"`
	PrevOutput       interface{}            `json:"prevOutput"`
	RemainingNodeIDs []string               `json:"remainingNodeIds"`
	NextNodeID       string                 `json:"nextNodeId,omitempty"`
	StartedAt        time.Time              `json:"startedAt"`
	IdempotencyKeys  map[string]string      `json:"idempotencyKeys"`
	RequestHashes    map[string]string      `json:"requestHashes"`
}

// JobPayload is the region queue's wire contract (§6).
type JobPayload struct {
	ExecutionID    string                 `json:"executionId"`
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	UserID         string                 `json:"userId,omitempty"`
	TriggerType    string                 `json:"triggerType"`
	TriggerData    map[string]interface{} `json:"triggerData,omitempty"`
	ResumeState    *ResumeState           `json:"resumeState,omitempty"`
	InitialData    map[string]interface{} `json:"initialData,omitempty"`
	TimerID        string                 `json:"timerId,omitempty"`
	Connectors     []string               `json:"connectors,omitempty"`
	Region         string                 `json:"region"`
}

// EnqueueRequest is the input to the orchestrator's enqueue entry point.
type EnqueueRequest struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	TriggerType    string
	TriggerData    map[string]interface{}
	Graph          *execgraph.Graph
	Replay         bool
	DedupeToken    string
}

// EnqueueResumeRequest is the input to enqueueResume: the execution to
// resume plus the carried resume context.
type EnqueueResumeRequest struct {
	ExecutionID string
	WorkflowID  string
	Graph       *execgraph.Graph
	TimerID     string
	TokenID     string
	ResumeState *ResumeState
	InitialData map[string]interface{}
}

// AdmissionCheckRequest carries everything Admission.Check needs both to
// run the quota pipeline and, on a denial, to persist a terminal failed
// execution row carrying the verdict (§4.5.1 steps 3-5).
type AdmissionCheckRequest struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	TriggerType    string
	TriggerData    map[string]interface{}
	ConnectorIDs   []string
}

// TenantProfile is the resolved per-organization policy admission checks
// against.
type TenantProfile struct {
	Region                  string
	MaxConcurrentExecutions int
	MaxExecutionsPerMinute  int
	MaxExecutionsPerMonth   int
}

// AdmissionError is returned by Enqueue when a quota or
// concurrency check fails; Code matches one of the QUOTA_*/CONNECTOR_*
// error taxonomy entries (§7).
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }
