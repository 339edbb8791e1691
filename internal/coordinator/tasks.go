package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/pool"
	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/worker"
	"github.com/aristath/conductor/internal/worktree"
)

// fatalError marks failures of the coordinator's own bookkeeping. They stop
// the run; task-level failures never do.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// dispatchLocked hands ready tasks of the active wave to agents until the
// queue is drained or the pool is saturated.
func (c *Coordinator) dispatchLocked(ctx context.Context, g *errgroup.Group) error {
	for {
		ready := c.queue.ReadyTasks()
		if len(ready) == 0 {
			return nil
		}

		agent, err := c.deps.Pool.Acquire(roleFor(ready[0]))
		if errors.Is(err, pool.ErrPoolExhausted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquire agent for %s: %w", ready[0].ID, err)
		}

		queued, ok := c.queue.Dequeue()
		if !ok {
			return nil
		}
		if err := c.assignLocked(ctx, queued.ID, agent.ID); err != nil {
			return err
		}

		task := c.tasks[queued.ID].Clone()
		agentID := agent.ID
		c.inflight[task.ID] = agentID
		g.Go(func() error {
			return c.runTask(ctx, task, agentID)
		})
	}
}

func (c *Coordinator) assignLocked(ctx context.Context, taskID, agentID string) error {
	if c.tasks[taskID].Status == scheduler.TaskPending {
		if err := c.transitionLocked(ctx, taskID, scheduler.TaskReady, "", ""); err != nil {
			return err
		}
	}
	if err := c.deps.Pool.Assign(agentID, taskID, ""); err != nil {
		return fmt.Errorf("assign %s: %w", taskID, err)
	}
	if err := c.transitionLocked(ctx, taskID, scheduler.TaskAssigned, "", agentID); err != nil {
		_ = c.deps.Pool.Release(agentID, pool.OutcomeNone)
		return err
	}
	return nil
}

// runTask owns one task from worktree creation to its terminal status. It
// only returns an error when the run itself cannot continue.
func (c *Coordinator) runTask(ctx context.Context, task *scheduler.Task, agentID string) error {
	defer c.signal()
	log := c.log.With(zap.String("task_id", task.ID), zap.String("agent_id", agentID))

	wt, err := c.deps.Worktrees.Create(ctx, task.ID)
	if err != nil {
		log.Error("failed to create worktree", zap.Error(err))
		return c.finish(ctx, task.ID, agentID, scheduler.TaskFailed, fmt.Sprintf("create worktree: %v", err), 0)
	}
	_ = c.deps.Pool.SetWorktree(agentID, wt.Path)

	if err := c.transition(ctx, task.ID, scheduler.TaskRunning, "", agentID); err != nil {
		return err
	}

	var res *qa.Result
	runErr := c.deps.Pool.Run(ctx, agentID, func(ctx context.Context) error {
		if err := c.transition(ctx, task.ID, scheduler.TaskQAIterating, "", agentID); err != nil {
			return &fatalError{err: err}
		}
		var err error
		res, err = c.deps.Runner.Run(ctx, task, wt)
		return err
	})

	iterations := task.Iteration
	if res != nil {
		iterations = res.Iterations
	}

	var fatal *fatalError
	var crash *pool.CrashError
	switch {
	case errors.As(runErr, &fatal):
		return fatal.err
	case errors.As(runErr, &crash):
		log.Error("agent crashed", zap.String("panic", crash.Panic))
		c.removeWorktree(ctx, task.ID)
		return c.finish(ctx, task.ID, agentID, scheduler.TaskFailed, "agent crashed: "+crash.Panic, iterations)
	case runErr != nil:
		reason := runErr.Error()
		if ctx.Err() != nil {
			reason = "aborted"
		}
		log.Warn("task failed", zap.Error(runErr))
		c.removeWorktree(ctx, task.ID)
		return c.finish(ctx, task.ID, agentID, scheduler.TaskFailed, reason, iterations)
	}

	switch res.Status {
	case qa.ResultPassed:
		return c.merge(ctx, task, agentID, wt, iterations)
	case qa.ResultEscalated:
		c.deps.Worktrees.Abandon(task.ID)
		return c.escalate(ctx, agentID, res.Escalation, wt.Path)
	default:
		c.removeWorktree(ctx, task.ID)
		return c.finish(ctx, task.ID, agentID, scheduler.TaskFailed, "qa loop failed", iterations)
	}
}

// merge integrates a passed task. A pre-merge checkpoint is taken first and
// tasks with overlapping file scopes merge one at a time.
func (c *Coordinator) merge(ctx context.Context, task *scheduler.Task, agentID string, wt *worktree.Worktree, iterations int) error {
	c.checkpoint(ctx, checkpoint.TriggerPreRisky, "merge "+task.ID)

	c.locks.LockAll(task.Files)
	mr, err := c.deps.Worktrees.Merge(ctx, task.ID)
	c.locks.UnlockAll(task.Files)

	var conflict *worktree.MergeConflictError
	switch {
	case errors.As(err, &conflict):
		c.publish(events.TopicTask, events.TaskMergedEvent{
			ID:            task.ID,
			ConflictClass: string(conflict.Class),
			ConflictFiles: conflict.Files,
			Timestamp:     c.now(),
		})
		c.deps.Worktrees.Abandon(task.ID)
		return c.escalate(ctx, agentID, &qa.EscalationRequired{
			TaskID:     task.ID,
			Reason:     qa.ReasonMergeConflict,
			Iterations: iterations,
			Summary:    conflict.Error(),
		}, wt.Path)
	case err != nil:
		c.log.Error("merge failed", zap.String("task_id", task.ID), zap.Error(err))
		c.removeWorktree(ctx, task.ID)
		return c.finish(ctx, task.ID, agentID, scheduler.TaskFailed, fmt.Sprintf("merge: %v", err), iterations)
	}

	c.publish(events.TopicTask, events.TaskMergedEvent{
		ID:            task.ID,
		Merged:        mr.Merged,
		ConflictClass: string(mr.Class),
		ConflictFiles: mr.Files,
		Timestamp:     c.now(),
	})
	c.removeWorktree(ctx, task.ID)
	return c.finish(ctx, task.ID, agentID, scheduler.TaskCompleted, "", iterations)
}

// escalate freezes a task for a human. Its worktree and history stay put.
func (c *Coordinator) escalate(ctx context.Context, agentID string, esc *qa.EscalationRequired, worktreePath string) error {
	if err := c.finish(ctx, esc.TaskID, agentID, scheduler.TaskEscalated, esc.Reason, esc.Iterations); err != nil {
		return err
	}

	rec := &persistence.Escalation{
		TaskID:     esc.TaskID,
		Reason:     esc.Reason,
		Iterations: esc.Iterations,
		Summary:    esc.Summary,
		Worktree:   worktreePath,
	}
	if err := c.deps.Store.SaveEscalation(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("persist escalation for %s: %w", esc.TaskID, err)
	}

	c.notifier.Escalated(ctx, EscalationNotice{
		TaskID:     esc.TaskID,
		Reason:     esc.Reason,
		Iterations: esc.Iterations,
		Summary:    esc.Summary,
		Worktree:   worktreePath,
		At:         rec.CreatedAt,
	})
	return nil
}

// finish records the task's terminal status together with the agent's
// released row, then releases the agent. A failed write leaves the agent
// holding the task.
func (c *Coordinator) finish(ctx context.Context, taskID, agentID string, to scheduler.TaskStatus, reason string, iterations int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer delete(c.inflight, taskID)

	outcome := pool.OutcomeFailed
	if to == scheduler.TaskCompleted {
		outcome = pool.OutcomeCompleted
	}

	t := c.tasks[taskID]
	if t == nil {
		_ = c.deps.Pool.Release(agentID, outcome)
		return nil
	}
	if iterations > t.Iteration {
		t.Iteration = iterations
	}

	var agent *persistence.AgentRecord
	if agentID != "" {
		agent = c.releasedRecord(agentID, outcome)
	}
	if err := c.applyLocked(ctx, taskID, to, reason, agent); err != nil {
		return err
	}
	if to == scheduler.TaskEscalated {
		c.escalated[taskID] = reason
	}
	// A crashed agent is already gone from the pool.
	_ = c.deps.Pool.Release(agentID, outcome)
	return nil
}

func (c *Coordinator) transition(ctx context.Context, taskID string, to scheduler.TaskStatus, reason, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(ctx, taskID, to, reason, agentID)
}

// transitionLocked persists a status change, with the agent's row when
// agentID is set, before applying it in memory. Completed and failed
// transitions are announced by the queue; everything else here.
func (c *Coordinator) transitionLocked(ctx context.Context, taskID string, to scheduler.TaskStatus, reason, agentID string) error {
	var agent *persistence.AgentRecord
	if agentID != "" {
		agent = c.agentRecord(agentID)
	}
	return c.applyLocked(ctx, taskID, to, reason, agent)
}

func (c *Coordinator) applyLocked(ctx context.Context, taskID string, to scheduler.TaskStatus, reason string, agent *persistence.AgentRecord) error {
	t, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("transition %s: %w", taskID, persistence.ErrTaskNotFound)
	}
	from := t.Status
	if from == to {
		return nil
	}

	now := c.now()
	tr := persistence.Transition{TaskID: taskID, From: from, To: to, Reason: reason, At: now, Agent: agent}
	if err := c.deps.Store.TransitionTask(context.WithoutCancel(ctx), tr); err != nil {
		return fmt.Errorf("transition %s %s -> %s: %w", taskID, from, to, err)
	}

	switch to {
	case scheduler.TaskCompleted:
		c.queue.MarkComplete(taskID)
	case scheduler.TaskFailed:
		c.queue.MarkFailed(taskID, reason)
	default:
		c.publish(events.TopicTask, events.TaskStatusEvent{
			ID:        taskID,
			From:      string(from),
			To:        string(to),
			Wave:      t.Wave,
			Reason:    reason,
			Timestamp: now,
		})
	}

	t.Status = to
	t.Reason = reason
	t.UpdatedAt = now
	c.log.Debug("task transitioned",
		zap.String("task_id", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return nil
}

func (c *Coordinator) agentRecord(agentID string) *persistence.AgentRecord {
	a, ok := c.deps.Pool.Get(agentID)
	return toAgentRecord(agentID, a, ok)
}

// releasedRecord is the agent's row as it will look once released.
func (c *Coordinator) releasedRecord(agentID string, outcome pool.Outcome) *persistence.AgentRecord {
	a, ok := c.deps.Pool.Released(agentID, outcome)
	return toAgentRecord(agentID, a, ok)
}

func toAgentRecord(agentID string, a *pool.Agent, ok bool) *persistence.AgentRecord {
	if !ok {
		return &persistence.AgentRecord{ID: agentID, Status: string(pool.AgentTerminated)}
	}
	return &persistence.AgentRecord{
		ID:           a.ID,
		Role:         a.Role.String(),
		Status:       string(a.Status),
		TaskID:       a.TaskID,
		WorktreePath: a.WorktreePath,
		Completed:    a.Metrics.Completed,
		Failed:       a.Metrics.Failed,
		ActiveTime:   a.Metrics.ActiveTime,
	}
}

func (c *Coordinator) removeWorktree(ctx context.Context, taskID string) {
	if err := c.deps.Worktrees.Remove(context.WithoutCancel(ctx), taskID); err != nil {
		c.log.Warn("failed to remove worktree", zap.String("task_id", taskID), zap.Error(err))
	}
}

// checkpoint takes a checkpoint if checkpointing is enabled. Failures are
// logged; they never block task progress. Must not be called with mu held.
func (c *Coordinator) checkpoint(ctx context.Context, trigger checkpoint.Trigger, reason string) {
	c.mu.Lock()
	cp := c.checkpoints
	c.mu.Unlock()
	if cp == nil {
		return
	}
	if _, err := cp.Create(context.WithoutCancel(ctx), trigger, reason); err != nil {
		c.log.Warn("checkpoint failed", zap.String("trigger", string(trigger)), zap.String("reason", reason), zap.Error(err))
	}
}

func roleFor(task *scheduler.Task) worker.Role {
	role, err := worker.ParseRole(task.Role)
	if err != nil {
		return worker.RoleCoder
	}
	return role
}
