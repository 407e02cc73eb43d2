package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("WORKFLOWENGINE_DB_PATH", filepath.Join(dir, "test.db"))
	t.Cleanup(func() { os.Unsetenv("WORKFLOWENGINE_DB_PATH") })

	s, err := NewSQLiteStore()
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)

	exec := &Execution{
		ID:             "exec-1",
		WorkflowID:     "wf-1",
		OrganizationID: "org-1",
		Status:         StatusQueued,
		StartedAt:      time.Now(),
		CorrelationID:  "corr-1",
	}
	if err := s.StartExecution(exec); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	got, err := s.GetExecution("exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected queued, got %v", got.Status)
	}

	if err := s.UpdateExecutionStatus("exec-1", StatusRunning); err != nil {
		t.Fatalf("UpdateExecutionStatus: %v", err)
	}

	if err := s.CompleteExecution("exec-1", map[string]interface{}{"a": "ok"}, ""); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	got, err = s.GetExecution("exec-1")
	if err != nil {
		t.Fatalf("GetExecution after complete: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %v", got.Status)
	}

	// Terminal statuses never transition back.
	if err := s.UpdateExecutionStatus("exec-1", StatusRunning); err == nil {
		t.Fatal("expected error transitioning out of terminal status")
	}
}

func TestListExecutionsByCorrelation(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"e1", "e2"} {
		s.StartExecution(&Execution{
			ID: id, WorkflowID: "wf", OrganizationID: "org",
			Status: StatusQueued, StartedAt: time.Now(), CorrelationID: "corr-shared",
		})
	}
	s.StartExecution(&Execution{
		ID: "e3", WorkflowID: "wf", OrganizationID: "org",
		Status: StatusQueued, StartedAt: time.Now(), CorrelationID: "corr-other",
	})

	results, err := s.ListExecutionsByCorrelation("corr-shared")
	if err != nil {
		t.Fatalf("ListExecutionsByCorrelation: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestNodeAttemptSingleRunningInvariant(t *testing.T) {
	s := newTestStore(t)
	s.StartExecution(&Execution{ID: "exec-1", WorkflowID: "wf", OrganizationID: "org", Status: StatusRunning, StartedAt: time.Now()})

	if err := s.StartNodeExecution(&NodeAttempt{ExecutionID: "exec-1", NodeID: "n1", Attempt: 1, StartedAt: time.Now()}); err != nil {
		t.Fatalf("StartNodeExecution: %v", err)
	}

	if err := s.StartNodeExecution(&NodeAttempt{ExecutionID: "exec-1", NodeID: "n1", Attempt: 2, StartedAt: time.Now()}); err == nil {
		t.Fatal("expected error starting a second running attempt for the same node")
	}

	if err := s.CompleteNodeExecution("exec-1", "n1", 1, map[string]interface{}{"ok": true}, nil); err != nil {
		t.Fatalf("CompleteNodeExecution: %v", err)
	}

	attempts, err := s.GetNodeAttempts("exec-1", "n1")
	if err != nil {
		t.Fatalf("GetNodeAttempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != AttemptSucceeded {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestIdempotencyRecordExpiry(t *testing.T) {
	s := newTestStore(t)

	rec := &IdempotencyRecord{
		ExecutionID: "exec-1", NodeID: "n1", IdempotencyKey: "key-1",
		ResultHash: "hash-1", ResultData: map[string]interface{}{"v": 1},
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(-time.Second),
	}
	if err := s.UpsertIdempotencyRecord(rec); err != nil {
		t.Fatalf("UpsertIdempotencyRecord: %v", err)
	}

	found, err := s.FindIdempotencyRecord("exec-1", "n1", "key-1")
	if err != nil {
		t.Fatalf("FindIdempotencyRecord: %v", err)
	}
	if found != nil {
		t.Fatal("expected expired record to be invisible")
	}

	rec.ExpiresAt = time.Now().Add(time.Hour)
	if err := s.UpsertIdempotencyRecord(rec); err != nil {
		t.Fatalf("UpsertIdempotencyRecord (fresh): %v", err)
	}

	found, err = s.FindIdempotencyRecord("exec-1", "n1", "key-1")
	if err != nil {
		t.Fatalf("FindIdempotencyRecord: %v", err)
	}
	if found == nil {
		t.Fatal("expected non-expired record to be found")
	}
}

func TestWorkflowTimerSweep(t *testing.T) {
	s := newTestStore(t)
	s.StartExecution(&Execution{ID: "exec-1", WorkflowID: "wf", OrganizationID: "org", Status: StatusWaiting, StartedAt: time.Now()})

	timer := &WorkflowTimer{
		ID: "timer-1", ExecutionID: "exec-1",
		ResumeAt: time.Now().Add(-time.Second), Payload: []byte("{}"), Status: "pending",
	}
	if err := s.SaveTimer(timer); err != nil {
		t.Fatalf("SaveTimer: %v", err)
	}

	due, err := s.DuePendingTimers(time.Now())
	if err != nil {
		t.Fatalf("DuePendingTimers: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due timer, got %d", len(due))
	}

	if err := s.MarkTimerStatus("timer-1", "completed", ""); err != nil {
		t.Fatalf("MarkTimerStatus: %v", err)
	}

	due, err = s.DuePendingTimers(time.Now())
	if err != nil {
		t.Fatalf("DuePendingTimers after completion: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected 0 due timers after completion, got %d", len(due))
	}
}
