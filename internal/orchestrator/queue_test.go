package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestQueueRoundRobinsAcrossGroups(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Add(ctx, JobPayload{ExecutionID: "a"}, "a-job", "org-a"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := q.Add(ctx, JobPayload{ExecutionID: "b"}, "b-job", "org-b"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if first.Group != "org-a" {
		t.Fatalf("expected org-a first, got %s", first.Group)
	}

	second, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if second.Group != "org-b" {
		t.Fatalf("expected org-b to get a turn before org-a's remaining backlog, got %s", second.Group)
	}
}

func TestQueueReclaimsExpiredLease(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	if err := q.Add(ctx, JobPayload{ExecutionID: "x"}, "x-job", "org-x"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	job, err := q.Reserve(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if n := q.ReclaimExpired(); n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	counts := q.Counts()
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Fatalf("expected job back in waiting, got %+v", counts)
	}

	reclaimed, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve after reclaim: %v", err)
	}
	if reclaimed.ID != job.ID {
		t.Fatalf("expected to reserve the reclaimed job again, got %s", reclaimed.ID)
	}
	if reclaimed.Attempt != 2 {
		t.Fatalf("expected attempt count to increment across reclaim, got %d", reclaimed.Attempt)
	}
}

func TestQueueFailWithBackoffDelaysRedelivery(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	if err := q.Add(ctx, JobPayload{ExecutionID: "y"}, "y-job", "org-y"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	job, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.FailWithBackoff(job.ID, 30*time.Millisecond); err != nil {
		t.Fatalf("FailWithBackoff: %v", err)
	}

	if counts := q.Counts(); counts.Delayed != 1 || counts.Failed != 1 {
		t.Fatalf("expected 1 delayed + 1 failed, got %+v", counts)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := q.Reserve(shortCtx, time.Second); err == nil {
		t.Fatal("expected reserve to time out before backoff elapses")
	}

	retried, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve after backoff: %v", err)
	}
	if retried.ID != job.ID {
		t.Fatalf("expected the same job back after backoff, got %s", retried.ID)
	}
}

func TestQueueCompleteRemovesFromActive(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	if err := q.Add(ctx, JobPayload{}, "z-job", "org-z"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	job, err := q.Reserve(ctx, time.Second)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := q.Complete(job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if counts := q.Counts(); counts.Completed != 1 || counts.Active != 0 {
		t.Fatalf("expected 1 completed, 0 active, got %+v", counts)
	}
}
