package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/pool"
	"github.com/aristath/conductor/internal/scheduler"
)

// errNoCheckpoints is returned by checkpoint operations before UseCheckpoints.
var errNoCheckpoints = errors.New("checkpointing is not configured")

// Status is a point-in-time view of the run.
type Status struct {
	State     State
	Goal      string
	Wave      int // active wave, equal to Waves once the run finished
	Waves     int
	Counts    map[scheduler.TaskStatus]int
	Tasks     []*scheduler.Task
	Escalated map[string]string // task id -> reason
	Agents    []pool.Agent
}

// Pause stops dispatching and holds in-flight tasks at their next gate
// boundary. Queued and in-flight state is kept.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateExecuting {
		return fmt.Errorf("pause in state %s: %w", c.state, ErrInvalidState)
	}
	c.barrier.Pause()
	c.setStateLocked(context.Background(), StatePaused)
	c.signal()
	return nil
}

// Resume continues a paused run.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return fmt.Errorf("resume in state %s: %w", c.state, ErrInvalidState)
	}
	c.setStateLocked(context.Background(), StateExecuting)
	c.barrier.Resume()
	c.signal()
	return nil
}

// Abort stops the run. In-flight workers are killed, their worktrees removed
// and their tasks marked failed; queued tasks stay pending so a checkpoint
// restore can pick them up.
func (c *Coordinator) Abort() error {
	c.mu.Lock()
	if c.state.Terminal() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("abort in state %s: %w", state, ErrInvalidState)
	}
	c.setStateLocked(context.Background(), StateAborted)
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Warn("aborting run")
	if cancel != nil {
		cancel()
	}
	if c.deps.Processes != nil {
		if err := c.deps.Processes.KillAll(); err != nil {
			c.log.Warn("failed to kill worker processes", zap.Error(err))
		}
	}
	c.signal()
	return nil
}

// Status returns a snapshot of the run.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:     c.state,
		Goal:      c.goal,
		Wave:      c.wave,
		Waves:     len(c.waves),
		Counts:    make(map[scheduler.TaskStatus]int),
		Tasks:     make([]*scheduler.Task, 0, len(c.order)),
		Escalated: make(map[string]string, len(c.escalated)),
		Agents:    c.deps.Pool.Agents(),
	}
	for _, id := range c.order {
		t := c.tasks[id]
		st.Counts[t.Status]++
		st.Tasks = append(st.Tasks, t.Clone())
	}
	for id, reason := range c.escalated {
		st.Escalated[id] = reason
	}
	return st
}

// CaptureState implements checkpoint.StateSource.
func (c *Coordinator) CaptureState(ctx context.Context) (*checkpoint.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := &checkpoint.State{
		RunState:   string(c.state),
		Goal:       c.goal,
		ActiveWave: c.wave,
		Waves:      make([]scheduler.Wave, len(c.waves)),
		Tasks:      make([]*scheduler.Task, 0, len(c.order)),
		Queue:      c.queue.Snapshot(),
		Escalated:  make(map[string]string, len(c.escalated)),
	}
	for i, w := range c.waves {
		st.Waves[i] = scheduler.Wave{Index: w.Index, TaskIDs: append([]string(nil), w.TaskIDs...)}
	}
	for _, id := range c.order {
		st.Tasks = append(st.Tasks, c.tasks[id].Clone())
	}
	for id, reason := range c.escalated {
		st.Escalated[id] = reason
	}
	for _, a := range c.deps.Pool.Agents() {
		st.Agents = append(st.Agents, checkpoint.AgentState{
			ID:     a.ID,
			Role:   a.Role.String(),
			Status: string(a.Status),
			TaskID: a.TaskID,
		})
	}
	return st, nil
}

// ListCheckpoints returns stored checkpoints, newest first.
func (c *Coordinator) ListCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	c.mu.Lock()
	cp := c.checkpoints
	c.mu.Unlock()
	if cp == nil {
		return nil, errNoCheckpoints
	}
	return cp.List(ctx)
}

// Restore rolls the run back to a checkpoint. The stored hash is verified
// before anything is touched. Tasks that were in flight are requeued, their
// stale worktrees removed, and the agent pool emptied. The coordinator is
// left Executing; call Run to continue.
func (c *Coordinator) Restore(ctx context.Context, id string) error {
	c.mu.Lock()
	cp := c.checkpoints
	if cp == nil {
		c.mu.Unlock()
		return errNoCheckpoints
	}
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("restore while running: %w", ErrInvalidState)
	}
	c.barrier.Pause()
	c.mu.Unlock()
	defer c.barrier.Resume()

	st, err := cp.Restore(ctx, id)
	if err != nil {
		return err
	}

	dropped := c.deps.Pool.Reset()
	for _, t := range st.Tasks {
		if !t.Status.Terminal() {
			c.removeWorktree(ctx, t.ID)
		}
	}

	waves := make([]*scheduler.Wave, len(st.Waves))
	order := make([]string, len(st.Tasks))
	for i := range st.Waves {
		waves[i] = &st.Waves[i]
	}
	for i, t := range st.Tasks {
		order[i] = t.ID
	}
	if err := c.deps.Store.SavePlan(ctx, &scheduler.Plan{Tasks: st.Tasks, Order: order, Waves: waves}); err != nil {
		return fmt.Errorf("persist restored plan: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.goal = st.Goal
	if err := c.loadPlanLocked(st.Tasks, waves, st.ActiveWave); err != nil {
		return err
	}
	c.queue.Restore(st.Queue)
	c.escalated = make(map[string]string, len(st.Escalated))
	for taskID, reason := range st.Escalated {
		c.escalated[taskID] = reason
	}
	c.inflight = make(map[string]string)

	c.log.Info("run restored",
		zap.String("checkpoint_id", id),
		zap.Int("active_wave", st.ActiveWave),
		zap.Int("agents_dropped", dropped))

	if c.state == StateExecuting {
		c.saveRunStateLocked(ctx)
	} else {
		c.setStateLocked(ctx, StateExecuting)
	}
	c.publishWaveStartedLocked()
	return nil
}

// Replan re-resolves the plan with a new task set. Tasks that already
// started or finished keep their status and wave; the rest are placed no
// earlier than the active wave. A pre-replan checkpoint is taken first. On
// a planning error the current plan is left untouched.
func (c *Coordinator) Replan(ctx context.Context, tasks []*scheduler.Task) error {
	c.checkpoint(ctx, checkpoint.TriggerPreRisky, "replan")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateExecuting && c.state != StatePaused {
		return fmt.Errorf("replan in state %s: %w", c.state, ErrInvalidState)
	}

	unstarted := func(s scheduler.TaskStatus) bool {
		return s == scheduler.TaskPending || s == scheduler.TaskReady
	}

	input := make([]*scheduler.Task, 0, len(tasks)+len(c.order))
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		if cur, ok := c.tasks[t.ID]; ok && !unstarted(cur.Status) {
			input = append(input, cur.Clone())
			continue
		}
		cp := t.Clone()
		cp.Status = scheduler.TaskPending
		cp.Reason = ""
		if cur, ok := c.tasks[t.ID]; ok {
			cp.Iteration = cur.Iteration
			cp.CreatedAt = cur.CreatedAt
		}
		input = append(input, cp)
	}
	// Started work cannot be dropped.
	for _, id := range c.order {
		if t := c.tasks[id]; !seen[id] && !unstarted(t.Status) {
			input = append(input, t.Clone())
		}
	}

	resolved, err := scheduler.NewResolver(input, scheduler.ResolverOptions{MaxTaskMinutes: c.cfg.MaxTaskMinutes}).Resolve()
	if err != nil {
		return err
	}

	waveOf := make(map[string]int, len(resolved.Tasks))
	depth := c.wave + 1
	for _, id := range resolved.Order {
		t := resolved.Task(id)
		w := c.wave
		if cur, ok := c.tasks[id]; ok && !unstarted(cur.Status) {
			w = cur.Wave
		} else {
			for _, dep := range t.DependsOn {
				if waveOf[dep]+1 > w {
					w = waveOf[dep] + 1
				}
			}
		}
		waveOf[id] = w
		t.Wave = w
		if w+1 > depth {
			depth = w + 1
		}
	}

	waves := make([]*scheduler.Wave, depth)
	for i := range waves {
		waves[i] = &scheduler.Wave{Index: i}
	}
	for _, t := range resolved.Tasks {
		waves[t.Wave].TaskIDs = append(waves[t.Wave].TaskIDs, t.ID)
	}
	next := &scheduler.Plan{Tasks: resolved.Tasks, Order: resolved.Order, Waves: waves}

	if err := c.deps.Store.SavePlan(ctx, next); err != nil {
		return fmt.Errorf("persist replanned tasks: %w", err)
	}
	if err := c.loadPlanLocked(next.Tasks, next.Waves, c.wave); err != nil {
		return err
	}

	c.log.Info("plan updated",
		zap.Int("tasks", len(next.Tasks)),
		zap.Int("waves", len(next.Waves)),
		zap.Int("active_wave", c.wave))

	c.signal()
	return nil
}
