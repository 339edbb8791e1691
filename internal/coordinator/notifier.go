package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
)

// EscalationNotice describes a task handed to a human.
type EscalationNotice struct {
	TaskID     string
	Reason     string
	Iterations int
	Summary    string
	Worktree   string // kept on disk for inspection
	At         time.Time
}

// Notifier receives the events a human may need to act on. Implementations
// must not block for long; they run on task goroutines.
type Notifier interface {
	Escalated(ctx context.Context, n EscalationNotice)
	Checkpointed(ctx context.Context, ev events.CheckpointCreatedEvent)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Escalated(_ context.Context, e EscalationNotice) {
	if n.Logger == nil {
		return
	}
	n.Logger.Warn("task needs attention",
		zap.String("task_id", e.TaskID),
		zap.String("reason", e.Reason),
		zap.Int("iterations", e.Iterations),
		zap.String("summary", e.Summary),
		zap.String("worktree", e.Worktree))
}

func (n LogNotifier) Checkpointed(_ context.Context, ev events.CheckpointCreatedEvent) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("checkpoint created",
		zap.String("checkpoint_id", ev.CheckpointID),
		zap.String("trigger", ev.Trigger),
		zap.String("git_ref", ev.GitRef))
}

// BusNotifier publishes escalations on the event bus. Checkpoints are
// already published there by the checkpoint manager.
type BusNotifier struct {
	Bus *events.EventBus
}

func (n BusNotifier) Escalated(_ context.Context, e EscalationNotice) {
	if n.Bus == nil {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	n.Bus.Publish(events.TopicEscalation, events.EscalationEvent{
		ID:         e.TaskID,
		Reason:     e.Reason,
		Iterations: e.Iterations,
		Summary:    e.Summary,
		Worktree:   e.Worktree,
		Timestamp:  at,
	})
}

func (BusNotifier) Checkpointed(context.Context, events.CheckpointCreatedEvent) {}

// MultiNotifier fans out to several notifiers in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Escalated(ctx context.Context, e EscalationNotice) {
	for _, n := range m {
		n.Escalated(ctx, e)
	}
}

func (m MultiNotifier) Checkpointed(ctx context.Context, ev events.CheckpointCreatedEvent) {
	for _, n := range m {
		n.Checkpointed(ctx, ev)
	}
}
