package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicWave       = "wave"
	TopicAgent      = "agent"
	TopicQA         = "qa"
	TopicCheckpoint = "checkpoint"
	TopicEscalation = "escalation"
	TopicRun        = "run"
)

// Event type constants
const (
	EventTypeTaskStatus        = "task.status"
	EventTypeTaskMerged        = "task.merged"
	EventTypeWaveStarted       = "wave.started"
	EventTypeWaveCompleted     = "wave.completed"
	EventTypeAgentState        = "agent.state"
	EventTypeAgentCrashed      = "agent.crashed"
	EventTypeIterationFinished = "qa.iteration"
	EventTypeQAStuck           = "qa.stuck"
	EventTypeCheckpointCreated = "checkpoint.created"
	EventTypeCheckpointRestore = "checkpoint.restored"
	EventTypeEscalation        = "escalation.raised"
	EventTypeRunState          = "run.state"
	EventTypeRunProgress       = "run.progress"
)

// TaskStatusEvent is published on every task status transition.
type TaskStatusEvent struct {
	ID        string
	From      string
	To        string
	Wave      int
	Reason    string
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskMergedEvent is published after a merge attempt for a task's worktree.
type TaskMergedEvent struct {
	ID            string
	Merged        bool
	ConflictClass string // "none", "simple" or "complex"
	ConflictFiles []string
	Timestamp     time.Time
}

func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) TaskID() string    { return e.ID }

// WaveStartedEvent is published when the coordinator activates a wave.
type WaveStartedEvent struct {
	Index     int
	TaskIDs   []string
	Timestamp time.Time
}

func (e WaveStartedEvent) EventType() string { return EventTypeWaveStarted }
func (e WaveStartedEvent) TaskID() string    { return "" }

// WaveCompletedEvent is published once every task of a wave is terminal.
type WaveCompletedEvent struct {
	Index     int
	Completed int
	Failed    int
	Escalated int
	Skipped   int
	Timestamp time.Time
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) TaskID() string    { return "" }

// AgentStateEvent is published when a pooled agent changes state.
type AgentStateEvent struct {
	AgentID   string
	Role      string
	State     string
	Task      string
	Timestamp time.Time
}

func (e AgentStateEvent) EventType() string { return EventTypeAgentState }
func (e AgentStateEvent) TaskID() string    { return e.Task }

// AgentCrashedEvent is published when a worker panics and its agent is removed.
type AgentCrashedEvent struct {
	AgentID   string
	Task      string
	Panic     string
	Timestamp time.Time
}

func (e AgentCrashedEvent) EventType() string { return EventTypeAgentCrashed }
func (e AgentCrashedEvent) TaskID() string    { return e.Task }

// IterationFinishedEvent is published after every QA iteration.
type IterationFinishedEvent struct {
	ID        string
	Iteration int
	Outcome   string
	Errors    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e IterationFinishedEvent) EventType() string { return EventTypeIterationFinished }
func (e IterationFinishedEvent) TaskID() string    { return e.ID }

// QAStuckEvent is published when a task keeps failing with the same errors.
type QAStuckEvent struct {
	ID          string
	Iteration   int
	Repeats     int
	Fingerprint string
	Timestamp   time.Time
}

func (e QAStuckEvent) EventType() string { return EventTypeQAStuck }
func (e QAStuckEvent) TaskID() string    { return e.ID }

// CheckpointCreatedEvent is published after a checkpoint is persisted.
type CheckpointCreatedEvent struct {
	CheckpointID string
	Trigger      string
	Reason       string
	GitRef       string
	Pending      int
	Completed    int
	Timestamp    time.Time
}

func (e CheckpointCreatedEvent) EventType() string { return EventTypeCheckpointCreated }
func (e CheckpointCreatedEvent) TaskID() string    { return "" }

// CheckpointRestoredEvent is published after a successful restore.
type CheckpointRestoredEvent struct {
	CheckpointID string
	GitRef       string
	Requeued     []string
	Timestamp    time.Time
}

func (e CheckpointRestoredEvent) EventType() string { return EventTypeCheckpointRestore }
func (e CheckpointRestoredEvent) TaskID() string    { return "" }

// EscalationEvent is published when a task needs human attention.
type EscalationEvent struct {
	ID         string
	Reason     string
	Iterations int
	Summary    string
	Worktree   string
	Timestamp  time.Time
}

func (e EscalationEvent) EventType() string { return EventTypeEscalation }
func (e EscalationEvent) TaskID() string    { return e.ID }

// RunStateEvent is published when the coordinator changes state.
type RunStateEvent struct {
	From      string
	To        string
	Timestamp time.Time
}

func (e RunStateEvent) EventType() string { return EventTypeRunState }
func (e RunStateEvent) TaskID() string    { return "" }

// RunProgressEvent summarizes task counts for dashboards.
type RunProgressEvent struct {
	Wave      int
	Waves     int
	Total     int
	Completed int
	Running   int
	Failed    int
	Escalated int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
