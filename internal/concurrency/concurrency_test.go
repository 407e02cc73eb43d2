package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("Basic Limiting", func(t *testing.T) {
		rl := NewRateLimiter(3)

		// Acquire 3 tokens
		for i := 0; i < 3; i++ {
			if !rl.TryAcquire() {
				t.Errorf("Failed to acquire token %d", i)
			}
		}

		// 4th should fail
		if rl.TryAcquire() {
			t.Error("Should not acquire 4th token")
		}

		// Release one
		rl.Release()

		// Now should succeed
		if !rl.TryAcquire() {
			t.Error("Should acquire after release")
		}
	})

	t.Run("Context Cancellation", func(t *testing.T) {
		rl := NewRateLimiter(1)
		rl.TryAcquire() // Use up the token

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		err := rl.Acquire(ctx)
		if err == nil {
			t.Error("Expected error from cancelled context")
		}
	})

	t.Run("Concurrent Access", func(t *testing.T) {
		rl := NewRateLimiter(5)
		
		var wg sync.WaitGroup
		acquired := make(chan bool, 20)

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx := context.Background()
				if err := rl.Acquire(ctx); err == nil {
					acquired <- true
					time.Sleep(10 * time.Millisecond)
					rl.Release()
				}
			}()
		}

		wg.Wait()
		close(acquired)

		count := 0
		for range acquired {
			count++
		}

		if count != 20 {
			t.Errorf("Expected 20 acquisitions, got %d", count)
		}
	})
}

func TestInMemoryLock(t *testing.T) {
	t.Run("Basic Acquire and Release", func(t *testing.T) {
		lock := NewInMemoryLock()
		ctx := context.Background()

		acquired, err := lock.AcquireNodeLock(ctx, "node1", 10*time.Second)
		if err != nil || !acquired {
			t.Error("Failed to acquire lock")
		}

		// Try to acquire again
		acquired, err = lock.AcquireNodeLock(ctx, "node1", 10*time.Second)
		if err != nil || acquired {
			t.Error("Should not acquire already-locked node")
		}

		// Release
		if err := lock.ReleaseNodeLock(ctx, "node1"); err != nil {
			t.Errorf("Failed to release lock: %v", err)
		}

		// Should be able to acquire again
		acquired, err = lock.AcquireNodeLock(ctx, "node1", 10*time.Second)
		if err != nil || !acquired {
			t.Error("Failed to re-acquire after release")
		}
	})

	t.Run("TTL Expiration", func(t *testing.T) {
		lock := NewInMemoryLock()
		ctx := context.Background()

		acquired, _ := lock.AcquireNodeLock(ctx, "node1", 100*time.Millisecond)
		if !acquired {
			t.Fatal("Failed to acquire lock")
		}

		// Wait for expiration
		time.Sleep(150 * time.Millisecond)

		// Should be able to acquire again
		acquired, _ = lock.AcquireNodeLock(ctx, "node1", 10*time.Second)
		if !acquired {
			t.Error("Lock should have expired")
		}
	})
}
