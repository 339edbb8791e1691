package qa

import (
	"context"
	"sync"
	"time"
)

// taskClock is a task's wall-clock budget. The budget only runs while the
// task is allowed to work: time spent held at the pause barrier is not
// charged.
type taskClock struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	timer   *time.Timer
	left    time.Duration
	since   time.Time
	running bool
}

func newTaskClock(parent context.Context, budget time.Duration) *taskClock {
	ctx, cancel := context.WithCancelCause(parent)
	c := &taskClock{parent: parent, ctx: ctx, cancel: cancel, left: budget, since: time.Now(), running: true}
	c.timer = time.AfterFunc(budget, func() { cancel(errTaskTimeout) })
	return c
}

// Context is cancelled with errTaskTimeout once the budget is spent, or when
// the parent is done.
func (c *taskClock) Context() context.Context { return c.ctx }

func (c *taskClock) suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	if c.timer.Stop() {
		c.left -= time.Since(c.since)
	}
}

func (c *taskClock) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.ctx.Err() != nil {
		return
	}
	c.running = true
	if c.left <= 0 {
		c.cancel(errTaskTimeout)
		return
	}
	c.since = time.Now()
	c.timer.Reset(c.left)
}

// wait blocks at b with the budget suspended. A cancelled parent ends the
// wait; the budget never does.
func (c *taskClock) wait(b *Barrier) error {
	c.suspend()
	err := b.Wait(c.parent)
	c.resume()
	if err != nil {
		return err
	}
	return c.ctx.Err()
}

func (c *taskClock) stop() {
	c.mu.Lock()
	c.timer.Stop()
	c.running = false
	c.mu.Unlock()
	c.cancel(nil)
}
