package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextShardedMutexLockUnlock(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Reacquirable after unlock.
	unlock, err = m.LockContext(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("expected reacquire to succeed, got %v", err)
	}
	unlock()
}

func TestContextShardedMutexMutualExclusion(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "esc_contended")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write; lost updates expose a broken lock.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d — mutual exclusion violated", n, got)
	}
}

func TestContextShardedMutexCancelledWaiter(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "esc_held")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A waiter on the same key gives up when its context expires.
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(waitCtx, "esc_held")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// The holder's unlock still works and the key is usable again.
	unlock()
	unlock, err = m.LockContext(context.Background(), "esc_held")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	unlock()
}

func TestContextShardedMutexZeroValueUsable(t *testing.T) {
	var m ContextShardedMutex

	unlock, err := m.LockContext(context.Background(), "esc_zero")
	if err != nil {
		t.Fatalf("zero-value lock failed: %v", err)
	}
	unlock()
}
