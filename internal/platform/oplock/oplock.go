// Package oplock provides a context-aware mutex with strict FIFO waiter
// ordering. It guards one-at-a-time operations (agent init, socket
// establishment) without polling.
package oplock

import (
	"context"
	"sync"
)

type waiter chan struct{}

type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []waiter
}

func New() *Lock {
	return &Lock{}
}

// Acquire blocks until the lock is held or ctx is done. Waiters are served
// in arrival order.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	w := make(waiter)
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, queued := range l.waiters {
			if queued == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The lock was granted between ctx firing and cleanup; pass it on.
		l.Release()
		return ctx.Err()
	}
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (l *Lock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || len(l.waiters) > 0 {
		return false
	}
	l.held = true
	return true
}

func (l *Lock) Release() {
	l.mu.Lock()
	if len(l.waiters) == 0 {
		l.held = false
		l.mu.Unlock()
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.mu.Unlock()
	close(next)
}
