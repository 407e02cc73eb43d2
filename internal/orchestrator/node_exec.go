package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"workflowengine/internal/connector"
	"workflowengine/internal/execgraph"
	"workflowengine/internal/idempotency"
	"workflowengine/internal/metrics"
	"workflowengine/internal/retry"
	"workflowengine/internal/sandbox"
	"workflowengine/internal/store"
)

const defaultNodeTimeout = 30 * time.Second

// NodeRunner owns every dependency the node execution loop (§4.5.4)
// dispatches through: idempotency caching, retry/circuit policy, the
// sandbox supervisor for KindSandboxed nodes, and the connector registry
// for KindBuiltin/KindConnector nodes.
type NodeRunner struct {
	Store                  store.Store
	Idempotency            *idempotency.Store
	Breakers               *retry.Breakers
	RetryPolicy            retry.RetryPolicy
	Sandbox                *sandbox.Supervisor
	Connectors             *connector.Registry
	GenericExecutorEnabled bool
	TenancyPolicy          sandbox.TenancyPolicy

	// ErrorRing records every classified node failure as an actionable
	// error (§4.2, §7); nil disables recording (e.g. in unit tests that
	// don't care about the inspection surface).
	ErrorRing *retry.ErrorRing
}

// suspended signals the node loop to stop without error because the
// current node parked the execution (Delay node timer, or a node
// returning waiting for a callback).
type suspended struct {
	reason string
}

func (s *suspended) Error() string { return "execution suspended: " + s.reason }

// fatalNodeError wraps a sandbox policy violation or resource-limit
// breach — terminal for the node and never retried (§4.5.7).
type fatalNodeError struct {
	cause error
}

func (e *fatalNodeError) Error() string { return e.cause.Error() }
func (e *fatalNodeError) Unwrap() error { return e.cause }

// RunResult is what RunNodes returns once the topological walk stops,
// either because every node completed or because it suspended.
type RunResult struct {
	Outputs     map[string]interface{}
	PrevOutput  interface{}
	Suspended   bool
	SuspendWhy  string
	DelayUntil  time.Time
	Timer       *store.WorkflowTimer
	NextOrder   []string // nodes not yet executed when suspended
}

// RunNodes walks the topological order starting from resume.NextNodeID
// (or the beginning, for a fresh execution), executing one node at a time
// per execution (§5's "step runner synchronous within a task").
func (r *NodeRunner) RunNodes(ctx context.Context, exec *store.Execution, g *execgraph.Graph, order []string, resume *ResumeState) (*RunResult, error) {
	nodeOutputs := map[string]interface{}{}
	idempotencyKeys := map[string]string{}
	requestHashes := map[string]string{}
	var prevOutput interface{}

	startIdx := 0
	if resume != nil {
		for k, v := range resume.NodeOutputs {
			nodeOutputs[k] = v
		}
		for k, v := range resume.IdempotencyKeys {
			idempotencyKeys[k] = v
		}
		for k, v := range resume.RequestHashes {
			requestHashes[k] = v
		}
		prevOutput = resume.PrevOutput
		if resume.NextNodeID != "" {
			for i, id := range order {
				if id == resume.NextNodeID {
					startIdx = i
					break
				}
			}
		}
	}

	for i := startIdx; i < len(order); i++ {
		nodeID := order[i]
		node := g.FindNode(nodeID)
		if node == nil {
			return nil, fmt.Errorf("orchestrator: node %q vanished from graph during execution", nodeID)
		}

		output, timer, err := r.runOneNode(ctx, exec, g, node, nodeOutputs, prevOutput, idempotencyKeys, requestHashes)
		if err != nil {
			var susp *suspended
			if as, ok := err.(*suspended); ok {
				susp = as
				if susp.reason == "delay" && i == len(order)-1 {
					// A trailing delay has no node left to wait for.
					empty := map[string]interface{}{}
					_ = r.Store.CompleteNodeExecution(exec.ID, nodeID, 1, empty, nil)
					nodeOutputs[nodeID] = empty
					prevOutput = empty
					break
				}
				return &RunResult{
					Outputs:    nodeOutputs,
					PrevOutput: prevOutput,
					Suspended:  true,
					SuspendWhy: susp.reason,
					Timer:      timer,
					NextOrder:  order[i:],
				}, nil
			}
			return nil, err
		}

		nodeOutputs[nodeID] = output
		prevOutput = output
	}

	return &RunResult{Outputs: nodeOutputs, PrevOutput: prevOutput}, nil
}

// runOneNode executes §4.5.4 steps 1-8 for a single node: resolve timeout
// and idempotency key, classify kind, dispatch, wrap in retry+circuit
// policy, and persist the NodeAttempt.
func (r *NodeRunner) runOneNode(ctx context.Context, exec *store.Execution, g *execgraph.Graph, node *execgraph.Node, nodeOutputs map[string]interface{}, prevOutput interface{}, idempotencyKeys, requestHashes map[string]string) (map[string]interface{}, *store.WorkflowTimer, error) {
	timeout := defaultNodeTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}

	attempt := 1
	idemKey, hasPrior := idempotencyKeys[node.ID]
	if !hasPrior {
		idemKey = idempotency.GenerateKey(exec.ID, node.ID, attempt)
	}

	params := resolveParams(node.Params, nodeOutputs, prevOutput)

	if err := r.Store.StartNodeExecution(&store.NodeAttempt{
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		Attempt:     attempt,
		StartedAt:   time.Now(),
		Input:       params,
	}); err != nil {
		return nil, nil, err
	}

	if record, err := r.Idempotency.Find(ctx, exec.ID, node.ID, idemKey); err == nil && record != nil {
		metrics.RecordNodeExecution(string(node.Kind), "cache_hit")
		_ = r.Store.CompleteNodeExecution(exec.ID, node.ID, attempt, record.ResultData, map[string]interface{}{"cacheHit": true})
		idempotencyKeys[node.ID] = idemKey
		requestHashes[node.ID] = record.ResultHash
		return record.ResultData, nil, nil
	}

	output, timer, meta, err := r.dispatch(ctx, exec, node, params, timeout)
	if err != nil {
		if _, ok := err.(*suspended); ok {
			return nil, timer, err
		}
		classified := retry.Classify(err)
		metrics.RecordError(string(node.Kind), string(classified.Code))
		if r.ErrorRing != nil {
			r.ErrorRing.Record(retry.ActionableError{
				ExecutionID: exec.ID,
				NodeID:      node.ID,
				Code:        classified.Code,
				Severity:    severityOf(classified),
				Message:     err.Error(),
				Details:     map[string]interface{}{"kind": string(node.Kind), "connectorId": node.ConnectorID},
				Timestamp:   time.Now(),
			})
		}
		_ = r.Store.FailNodeExecution(exec.ID, node.ID, attempt, err.Error(), map[string]interface{}{"code": string(classified.Code)})
		metrics.RecordNodeExecution(string(node.Kind), "failed")
		return nil, nil, fmt.Errorf("Node %q failed: %w", node.ID, err)
	}

	hash := idempotency.Hash(output)
	_ = r.Idempotency.Upsert(ctx, &idempotency.Record{
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		IdempotencyKey: idemKey,
		ResultHash:     hash,
		ResultData:     output,
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(idempotency.TTL),
	})
	idempotencyKeys[node.ID] = idemKey
	requestHashes[node.ID] = hash

	_ = r.Store.CompleteNodeExecution(exec.ID, node.ID, attempt, output, meta)
	metrics.RecordNodeExecution(string(node.Kind), "success")
	return output, nil, nil
}

// dispatch classifies the node and routes to the right executor (§4.5.4
// step 5), wrapped in the retry+circuit policy (step 6).
func (r *NodeRunner) dispatch(ctx context.Context, exec *store.Execution, node *execgraph.Node, params map[string]interface{}, timeout time.Duration) (map[string]interface{}, *store.WorkflowTimer, map[string]interface{}, error) {
	switch node.Kind {
	case execgraph.KindDelay:
		return r.dispatchDelay(exec, node, params)
	case execgraph.KindSandboxed:
		return r.withRetry(ctx, node, timeout, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			return r.dispatchSandboxed(ctx, node, params, timeout, exec)
		})
	case execgraph.KindBuiltin:
		return r.withRetry(ctx, node, timeout, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			return r.dispatchBuiltin(ctx, exec, node, params)
		})
	case execgraph.KindConnector:
		return r.withRetry(ctx, node, timeout, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			return r.dispatchConnector(ctx, exec, node, params)
		})
	default:
		return nil, nil, nil, fmt.Errorf("orchestrator: node %q has unrecognized kind %q", node.ID, node.Kind)
	}
}

// withRetry composes the circuit breaker check, the call, and
// classification-driven backoff retry around any non-delay node dispatch
// (§4.2, §4.5.4 step 6). Grounded on the teacher's executeNodeAsync retry
// loop (circuit check before each attempt, classify, backoff, retry).
func (r *NodeRunner) withRetry(ctx context.Context, node *execgraph.Node, timeout time.Duration, call func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error)) (map[string]interface{}, *store.WorkflowTimer, map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= r.RetryPolicy.MaxAttempts; attempt++ {
		if r.Breakers != nil && !r.Breakers.ShouldAllow(node.ConnectorID, node.ID) {
			metrics.RecordCircuitOpen(node.ConnectorID, node.ID)
			return nil, nil, nil, &retry.ClassifiedError{Code: retry.CodeCircuitOpen, Type: retry.ErrorTypeTransient}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		output, meta, err := call(callCtx)
		cancel()

		if err == nil {
			if r.Breakers != nil {
				r.Breakers.RecordSuccess(node.ConnectorID, node.ID)
			}
			return output, nil, meta, nil
		}

		if _, fatal := err.(*fatalNodeError); fatal {
			return nil, nil, nil, err
		}

		if r.Breakers != nil {
			r.Breakers.RecordFailure(node.ConnectorID, node.ID)
		}

		classified := retry.Classify(err)
		lastErr = classified
		if classified.Type != retry.ErrorTypeTransient || !r.RetryPolicy.ShouldRetry(attempt) {
			return nil, nil, nil, classified
		}
		delay := retry.ExponentialBackoff(&r.RetryPolicy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, nil, ctx.Err()
		}
	}
	return nil, nil, nil, lastErr
}

// dispatchDelay implements §4.5.4 step 5's Delay-node branch: when more
// nodes remain, it hands back a *suspended* sentinel plus the timer row
// the orchestrator must persist and the execution must wait on, instead
// of sleeping in-process.
func (r *NodeRunner) dispatchDelay(exec *store.Execution, node *execgraph.Node, params map[string]interface{}) (map[string]interface{}, *store.WorkflowTimer, map[string]interface{}, error) {
	delayMs := int64(0)
	if raw, ok := node.Params["delayMs"]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			delayMs = v
		}
	}
	if delayMs <= 0 {
		return map[string]interface{}{}, nil, nil, nil
	}

	timer := &store.WorkflowTimer{
		ID:          exec.ID + ":" + node.ID,
		ExecutionID: exec.ID,
		ResumeAt:    time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		Status:      "pending",
	}
	return nil, timer, nil, &suspended{reason: "delay"}
}

// severityOf maps a classified failure to the ring's coarse severity:
// permanent failures (including every sandbox policy/resource violation)
// are "fatal", everything still eligible for retry is "error".
func severityOf(c *retry.ClassifiedError) string {
	if c.Type == retry.ErrorTypePermanent {
		return "fatal"
	}
	return "error"
}

func (r *NodeRunner) dispatchSandboxed(ctx context.Context, node *execgraph.Node, params map[string]interface{}, timeout time.Duration, exec *store.Execution) (map[string]interface{}, map[string]interface{}, error) {
	if r.Sandbox == nil {
		return nil, nil, &fatalNodeError{cause: &retry.ClassifiedError{Code: retry.CodeSandboxPolicy, Type: retry.ErrorTypePermanent, Cause: fmt.Errorf("sandbox runtime not configured")}}
	}
	result, err := r.Sandbox.Execute(ctx, r.TenancyPolicy, nil, nil, sandbox.ResourceLimits{}, sandbox.Call{
		Code:       node.Code,
		EntryPoint: node.EntryPoint,
		Params:     params,
		Timeout:    timeout,
		Policy: sandbox.Policy{
			OrganizationID: exec.OrganizationID,
			ExecutionID:    exec.ID,
			NodeID:         node.ID,
			UserID:         exec.UserID,
		},
	})
	if err != nil {
		var sbErr *sandbox.Error
		if as, ok := err.(*sandbox.Error); ok {
			sbErr = as
		}
		if sbErr != nil && (sbErr.Kind == sandbox.KindResourceLimit || sbErr.Kind == sandbox.KindNetworkDenied || sbErr.Kind == sandbox.KindPolicyViolation) {
			return nil, nil, &fatalNodeError{cause: &retry.ClassifiedError{Code: retry.CodeSandboxPolicy, Type: retry.ErrorTypePermanent, Cause: err}}
		}
		return nil, nil, err
	}
	output, _ := result.Value.(map[string]interface{})
	if output == nil {
		output = map[string]interface{}{"value": result.Value}
	}
	return output, map[string]interface{}{"durationMs": result.DurationMs}, nil
}

func (r *NodeRunner) dispatchBuiltin(ctx context.Context, exec *store.Execution, node *execgraph.Node, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
	resp, err := r.Connectors.DispatchBuiltin(ctx, connector.Request{
		Op:             node.Op,
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		OrganizationID: exec.OrganizationID,
		Params:         params,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Output, usageMeta(resp), nil
}

func (r *NodeRunner) dispatchConnector(ctx context.Context, exec *store.Execution, node *execgraph.Node, params map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
	idemKey := idempotency.GenerateKey(exec.ID, node.ID, 1)
	resp, err := r.Connectors.Dispatch(ctx, connector.Request{
		ConnectorID:    node.ConnectorID,
		Op:             node.Op,
		ExecutionID:    exec.ID,
		NodeID:         node.ID,
		OrganizationID: exec.OrganizationID,
		IdempotencyKey: idemKey,
		Params:         params,
	})
	if err != nil {
		return nil, nil, err
	}
	return resp.Output, usageMeta(resp), nil
}

func usageMeta(resp *connector.Response) map[string]interface{} {
	return map[string]interface{}{
		"tokens":      resp.Tokens,
		"costCents":   resp.CostCents,
		"cacheHit":    resp.CacheHit,
		"requestHash": resp.RequestHash,
	}
}

// resolveParams substitutes "${nodeId.field}" and "${prev}" references
// against already-completed node outputs (§4.5.4 step 4); any value
// without that shape passes through as a literal.
func resolveParams(raw map[string]string, nodeOutputs map[string]interface{}, prevOutput interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		resolved[k] = resolveRef(v, nodeOutputs, prevOutput)
	}
	return resolved
}

func resolveRef(v string, nodeOutputs map[string]interface{}, prevOutput interface{}) interface{} {
	if !strings.HasPrefix(v, "${") || !strings.HasSuffix(v, "}") {
		return v
	}
	ref := strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")
	if ref == "prev" {
		return prevOutput
	}
	parts := strings.SplitN(ref, ".", 2)
	output, ok := nodeOutputs[parts[0]]
	if !ok {
		return nil
	}
	if len(parts) == 1 {
		return output
	}
	m, ok := output.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[parts[1]]
}
