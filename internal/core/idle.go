package core

import (
	"context"
	"sync"
)

// idleTracker counts commands between Submit and reply, plus queued
// follow-ons. Waiters unblock when the count reaches zero.
type idleTracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func newIdleTracker() *idleTracker {
	zero := make(chan struct{})
	close(zero)
	return &idleTracker{zero: zero}
}

func (t *idleTracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n += n
}

func (t *idleTracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
	if t.n < 0 {
		panic("FATAL: idle tracker underflow")
	}
}

func (t *idleTracker) wait(ctx context.Context) error {
	t.mu.Lock()
	zero := t.zero
	t.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
