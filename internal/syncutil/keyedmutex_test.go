package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "42")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry while held, got %d", m.Len())
	}
	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected table to drain after unlock, got %d", m.Len())
	}
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("booking-7")
			defer unlock()
			// Non-atomic increment; lost updates mean exclusion is broken.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty table, got %d", m.Len())
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "blocked")
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	if m.Len() != 0 {
		t.Fatalf("expected empty table after cancelled waiter, got %d", m.Len())
	}
}

func TestKeyedMutex_DifferentKeysNoContention(t *testing.T) {
	m := NewKeyedMutex()

	unlockA := m.Lock("a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockB, err := m.LockContext(ctx, "b")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_UnlockIdempotent(t *testing.T) {
	m := NewKeyedMutex()

	unlock := m.Lock("k")
	unlock()
	unlock()

	again := m.Lock("k")
	again()
}
