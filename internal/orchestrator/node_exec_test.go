package orchestrator

import (
	"context"
	"testing"
	"time"

	"workflowengine/internal/execgraph"
	"workflowengine/internal/retry"
	"workflowengine/internal/store"
)

func newTestExecution(id, orgID string) *store.Execution {
	return &store.Execution{ID: id, OrganizationID: orgID, Status: store.StatusRunning, StartedAt: time.Now()}
}

func TestResolveRefSubstitutesNodeOutputField(t *testing.T) {
	outputs := map[string]interface{}{
		"step1": map[string]interface{}{"msg": "hello"},
	}
	got := resolveRef("${step1.msg}", outputs, nil)
	if got != "hello" {
		t.Fatalf("expected hello, got %v", got)
	}
}

func TestResolveRefSubstitutesPrev(t *testing.T) {
	got := resolveRef("${prev}", nil, "previous-output")
	if got != "previous-output" {
		t.Fatalf("expected previous-output, got %v", got)
	}
}

func TestResolveRefReturnsLiteralWhenNotATemplate(t *testing.T) {
	got := resolveRef("literal-value", nil, nil)
	if got != "literal-value" {
		t.Fatalf("expected literal passthrough, got %v", got)
	}
}

func TestResolveRefReturnsNilForUnknownNode(t *testing.T) {
	got := resolveRef("${missing.field}", map[string]interface{}{}, nil)
	if got != nil {
		t.Fatalf("expected nil for unresolved reference, got %v", got)
	}
}

func TestResolveParamsSubstitutesAllKeys(t *testing.T) {
	outputs := map[string]interface{}{"step1": map[string]interface{}{"a": "A"}}
	resolved := resolveParams(map[string]string{
		"x": "${step1.a}",
		"y": "literal",
	}, outputs, nil)
	if resolved["x"] != "A" || resolved["y"] != "literal" {
		t.Fatalf("unexpected resolution: %+v", resolved)
	}
}

func TestDispatchDelaySuspendsWhenPositive(t *testing.T) {
	r := &NodeRunner{}
	exec := newTestExecution("exec-1", "org-1")
	node := &execgraph.Node{ID: "wait", Kind: execgraph.KindDelay, Params: map[string]string{"delayMs": "5000"}}

	output, timer, meta, err := r.dispatchDelay(exec, node, nil)
	if output != nil || meta != nil {
		t.Fatalf("expected no output/meta on suspension, got output=%v meta=%v", output, meta)
	}
	if _, ok := err.(*suspended); !ok {
		t.Fatalf("expected *suspended error, got %v (%T)", err, err)
	}
	if timer == nil || timer.ExecutionID != exec.ID {
		t.Fatalf("expected a timer for the execution, got %+v", timer)
	}
	if timer.ResumeAt.Before(time.Now().Add(4 * time.Second)) {
		t.Fatalf("expected resumeAt roughly 5s out, got %v", timer.ResumeAt)
	}
}

func TestDispatchDelayRunsImmediatelyWhenZero(t *testing.T) {
	r := &NodeRunner{}
	exec := newTestExecution("exec-2", "org-1")
	node := &execgraph.Node{ID: "noop-delay", Kind: execgraph.KindDelay}

	output, timer, _, err := r.dispatchDelay(exec, node, nil)
	if err != nil {
		t.Fatalf("expected no suspension for a zero delay, got %v", err)
	}
	if timer != nil {
		t.Fatalf("expected no timer for a zero delay, got %+v", timer)
	}
	if output == nil {
		t.Fatalf("expected an empty output map, got nil")
	}
}

func TestWithRetryRetriesTransientErrorsThenSucceeds(t *testing.T) {
	r := &NodeRunner{
		Breakers:    retry.NewBreakers(5, time.Minute),
		RetryPolicy: retry.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: 10 * time.Millisecond, MinDelay: time.Millisecond},
	}
	node := &execgraph.Node{ID: "flaky", ConnectorID: "slack"}

	calls := 0
	output, _, _, err := r.withRetry(context.Background(), node, time.Second, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
		calls++
		if calls < 3 {
			return nil, nil, &retry.ClassifiedError{Code: retry.CodeNetworkError, Type: retry.ErrorTypeTransient}
		}
		return map[string]interface{}{"ok": true}, nil, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if output["ok"] != true {
		t.Fatalf("expected ok output, got %+v", output)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	r := &NodeRunner{
		Breakers:    retry.NewBreakers(5, time.Minute),
		RetryPolicy: *retry.DefaultPolicy(),
	}
	node := &execgraph.Node{ID: "bad-input", ConnectorID: "slack"}

	calls := 0
	_, _, _, err := r.withRetry(context.Background(), node, time.Second, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
		calls++
		return nil, nil, &retry.ClassifiedError{Code: retry.CodeInvalidRequest, Type: retry.ErrorTypePermanent}
	})
	if err == nil {
		t.Fatal("expected a permanent error to surface")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a permanent error, got %d", calls)
	}
}

func TestWithRetryNeverRetriesFatalNodeError(t *testing.T) {
	r := &NodeRunner{
		Breakers:    retry.NewBreakers(5, time.Minute),
		RetryPolicy: *retry.DefaultPolicy(),
	}
	node := &execgraph.Node{ID: "sandboxed", ConnectorID: ""}

	calls := 0
	_, _, _, err := r.withRetry(context.Background(), node, time.Second, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
		calls++
		return nil, nil, &fatalNodeError{cause: &retry.ClassifiedError{Code: retry.CodeSandboxPolicy, Type: retry.ErrorTypePermanent}}
	})
	if err == nil {
		t.Fatal("expected the fatal error to surface")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a fatal node error, got %d", calls)
	}
}

func TestWithRetryShortCircuitsWhenBreakerOpen(t *testing.T) {
	breakers := retry.NewBreakers(2, time.Minute)
	r := &NodeRunner{Breakers: breakers, RetryPolicy: *retry.DefaultPolicy()}
	node := &execgraph.Node{ID: "n", ConnectorID: "flaky-connector"}

	breakers.RecordFailure("flaky-connector", "n")
	breakers.RecordFailure("flaky-connector", "n")

	calls := 0
	_, _, _, err := r.withRetry(context.Background(), node, time.Second, func(ctx context.Context) (map[string]interface{}, map[string]interface{}, error) {
		calls++
		return map[string]interface{}{}, nil, nil
	})
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	classified, ok := err.(*retry.ClassifiedError)
	if !ok || classified.Code != retry.CodeCircuitOpen {
		t.Fatalf("expected CodeCircuitOpen, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected the call to never run while the breaker is open, got %d calls", calls)
	}
}
