package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash(map[string]interface{}{"b": 2, "a": 1})
	b := Hash(map[string]interface{}{"a": 1, "b": 2})
	if a != b {
		t.Fatalf("expected hash to be independent of map construction order, got %s vs %s", a, b)
	}
}

func TestHash_NilNormalizesToNull(t *testing.T) {
	if Hash(nil) == "" {
		t.Fatal("expected non-empty hash for nil result")
	}
}

func TestStore_FindUpsert_InMemoryFallback(t *testing.T) {
	s := New(nil) // no primary: exercises the in-memory fallback path directly
	ctx := context.Background()

	rec := &Record{
		ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "k1",
		ResultHash: "h1", ResultData: map[string]interface{}{"v": 1},
		CreatedAt: time.Now(),
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	found, err := s.Find(ctx, "e1", "n1", "k1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found == nil || found.ResultHash != "h1" {
		t.Fatalf("expected to find record, got %+v", found)
	}
}

func TestStore_ExpiredRecordNeverReturned(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	rec := &Record{
		ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "k1",
		ResultHash: "h1", ResultData: map[string]interface{}{"v": 1},
		CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresAt: time.Now().Add(-time.Millisecond),
	}
	s.Upsert(ctx, rec)

	found, err := s.Find(ctx, "e1", "n1", "k1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != nil {
		t.Fatal("expected expired record to be invisible")
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	s.Upsert(ctx, &Record{
		ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "expired",
		ResultHash: "h1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(-time.Second),
	})
	s.Upsert(ctx, &Record{
		ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "fresh",
		ResultHash: "h2", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})

	n, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	if found, _ := s.Find(ctx, "e1", "n1", "fresh"); found == nil {
		t.Fatal("expected fresh record to survive the sweep")
	}
}

func TestStore_UpsertLastWriterWinsOnHash(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	base := &Record{ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "k1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}

	first := *base
	first.ResultHash = "h1"
	s.Upsert(ctx, &first)

	second := *base
	second.ResultHash = "h2"
	s.Upsert(ctx, &second)

	found, _ := s.Find(ctx, "e1", "n1", "k1")
	if found.ResultHash != "h2" {
		t.Fatalf("expected last writer to win, got %s", found.ResultHash)
	}
}

func TestStore_CountActive(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	now := time.Now()

	s.Upsert(ctx, &Record{ExecutionID: "e1", NodeID: "n1", IdempotencyKey: "k1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	s.Upsert(ctx, &Record{ExecutionID: "e1", NodeID: "n2", IdempotencyKey: "k2", CreatedAt: now, ExpiresAt: now.Add(-time.Hour)})

	if got := s.CountActive(ctx, now); got != 1 {
		t.Fatalf("expected 1 active record, got %d", got)
	}
}
