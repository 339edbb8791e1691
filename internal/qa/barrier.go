package qa

import (
	"context"
	"sync"
)

// Barrier lets the coordinator pause QA loops between phases. Work already
// in flight is never interrupted; loops block at their next checkpoint.
type Barrier struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewBarrier returns an open barrier.
func NewBarrier() *Barrier {
	return &Barrier{}
}

// Pause closes the barrier. Repeated calls are no-ops.
func (b *Barrier) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	b.resume = make(chan struct{})
}

// Resume opens the barrier and releases every waiter.
func (b *Barrier) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	close(b.resume)
}

// Paused reports whether the barrier is closed.
func (b *Barrier) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Wait blocks while the barrier is closed.
func (b *Barrier) Wait(ctx context.Context) error {
	if b == nil {
		return ctx.Err()
	}
	b.mu.Lock()
	if !b.paused {
		b.mu.Unlock()
		return ctx.Err()
	}
	ch := b.resume
	b.mu.Unlock()

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
