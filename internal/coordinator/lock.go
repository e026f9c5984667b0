package coordinator

import (
	"context"
	"sync"
)

// fifoLock is a mutex that grants access in arrival order.
// Priority acquisitions are placed ahead of every queued waiter.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the lock is granted or ctx is done.
func (l *fifoLock) Lock(ctx context.Context) error {
	return l.acquire(ctx, false)
}

// LockPriority blocks until the lock is granted, jumping the queue.
func (l *fifoLock) LockPriority() {
	_ = l.acquire(context.Background(), true)
}

func (l *fifoLock) acquire(ctx context.Context, front bool) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	if front {
		l.waiters = append([]chan struct{}{ready}, l.waiters...)
	} else {
		l.waiters = append(l.waiters, ready)
	}
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Granted while giving up; pass it on.
		l.Unlock()
		return ctx.Err()
	}
}

// Unlock hands the lock to the next waiter or frees it.
func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// queued returns the number of waiters.
func (l *fifoLock) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}
