package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisLock(t *testing.T) *RedisLock {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	lock, err := NewRedisLock(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisLock: %v", err)
	}
	t.Cleanup(func() { lock.Close() })
	return lock
}

func TestRedisLockAcquireAndRelease(t *testing.T) {
	lock := newTestRedisLock(t)
	ctx := context.Background()

	ok, err := lock.AcquireNodeLock(ctx, "node-1", time.Second)
	if err != nil {
		t.Fatalf("AcquireNodeLock: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	if err := lock.ReleaseNodeLock(ctx, "node-1"); err != nil {
		t.Fatalf("ReleaseNodeLock: %v", err)
	}

	ok, err = lock.AcquireNodeLock(ctx, "node-1", time.Second)
	if err != nil {
		t.Fatalf("AcquireNodeLock after release: %v", err)
	}
	if !ok {
		t.Fatal("expected re-acquire after release to succeed")
	}
}

func TestRedisLockRejectsConcurrentAcquire(t *testing.T) {
	lock := newTestRedisLock(t)
	ctx := context.Background()

	ok, err := lock.AcquireNodeLock(ctx, "node-2", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}

	other, err := NewRedisLock(lock.client.Options().Addr)
	if err != nil {
		t.Fatalf("NewRedisLock (second owner): %v", err)
	}
	defer other.Close()

	ok, err = other.AcquireNodeLock(ctx, "node-2", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireNodeLock from second owner: %v", err)
	}
	if ok {
		t.Fatal("expected second owner's acquire to fail while first owner holds the lock")
	}
}

func TestRedisLockReleaseRejectsNonOwner(t *testing.T) {
	lock := newTestRedisLock(t)
	ctx := context.Background()

	if ok, err := lock.AcquireNodeLock(ctx, "node-3", 5*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire to succeed, ok=%v err=%v", ok, err)
	}

	other, err := NewRedisLock(lock.client.Options().Addr)
	if err != nil {
		t.Fatalf("NewRedisLock (second owner): %v", err)
	}
	defer other.Close()

	if err := other.ReleaseNodeLock(ctx, "node-3"); err != errLockNotOwned {
		t.Fatalf("expected errLockNotOwned, got %v", err)
	}
}

func TestRedisLockExtendRenewsTTL(t *testing.T) {
	lock := newTestRedisLock(t)
	ctx := context.Background()

	if ok, err := lock.AcquireNodeLock(ctx, "node-4", 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("expected acquire to succeed, ok=%v err=%v", ok, err)
	}

	if err := lock.ExtendLock(ctx, "node-4", 5*time.Second); err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	ok, err := lock.AcquireNodeLock(ctx, "node-4", time.Second)
	if err != nil {
		t.Fatalf("AcquireNodeLock after extend: %v", err)
	}
	if ok {
		t.Fatal("expected lock to still be held after extend outlived the original TTL")
	}
}

func TestRedisLockHealthCheck(t *testing.T) {
	lock := newTestRedisLock(t)
	if err := lock.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}
