package oplock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	l := New()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if l.TryAcquire() {
		t.Fatal("held lock must not be re-acquirable")
	}
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("released lock must be acquirable")
	}
	l.Release()
}

func TestWaitersServedInFIFOOrder(t *testing.T) {
	l := New()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	const n = 8
	order := make([]int, 0, n)
	var mu sync.Mutex
	ready := make(chan struct{}, n)
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			// Queue one goroutine at a time so arrival order is known.
			<-ready
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire %d failed: %v", i, err)
				done <- struct{}{}
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		ready <- struct{}{}
		time.Sleep(10 * time.Millisecond)
	}

	l.Release()
	for i := 0; i < n; i++ {
		<-done
	}
	for i := 1; i < n; i++ {
		if order[i-1] > order[i] {
			t.Fatalf("waiters served out of order: %v", order)
		}
	}
}

func TestAcquireObservesContext(t *testing.T) {
	l := New()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("expected context error while lock is held")
	}

	// The cancelled waiter must not poison the queue.
	l.Release()
	if !l.TryAcquire() {
		t.Fatal("lock must be free after release")
	}
	l.Release()
}

func TestTryAcquireRespectsQueue(t *testing.T) {
	l := New()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	started := make(chan struct{})
	acquired := make(chan struct{})
	go func() {
		close(started)
		_ = l.Acquire(context.Background())
		close(acquired)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if l.TryAcquire() {
		t.Fatal("TryAcquire must not jump the queue")
	}
	l.Release()
	<-acquired
	l.Release()
}
