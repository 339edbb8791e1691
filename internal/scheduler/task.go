package scheduler

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"      // Waiting for its wave or dependencies
	TaskReady       TaskStatus = "ready"        // All dependencies completed, queued for dispatch
	TaskAssigned    TaskStatus = "assigned"     // Bound to an agent, worktree being prepared
	TaskRunning     TaskStatus = "running"      // Worker invoked for the first time
	TaskQAIterating TaskStatus = "qa_iterating" // Inside the gate loop
	TaskEscalated   TaskStatus = "escalated"    // Needs a human
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskSkipped     TaskStatus = "skipped" // A dependency did not complete
)

// Terminal reports whether no further automated work happens for the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskEscalated:
		return true
	}
	return false
}

// InFlight reports whether an agent currently owns the task.
func (s TaskStatus) InFlight() bool {
	switch s {
	case TaskAssigned, TaskRunning, TaskQAIterating:
		return true
	}
	return false
}

var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:     {TaskReady, TaskSkipped, TaskFailed},
	TaskReady:       {TaskAssigned, TaskPending, TaskFailed},
	TaskAssigned:    {TaskRunning, TaskReady, TaskFailed},
	TaskRunning:     {TaskQAIterating, TaskCompleted, TaskEscalated, TaskFailed, TaskReady},
	TaskQAIterating: {TaskCompleted, TaskEscalated, TaskFailed, TaskReady},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task represents a unit of work in the plan.
type Task struct {
	ID               string
	Name             string
	Description      string
	Role             string // Worker role key ("coder", "tester", ...)
	EstimatedMinutes int
	Priority         int      // Higher runs first within a wave
	DependsOn        []string // Task IDs this task depends on
	Files            []string // Declared file scope, used for merge locking
	Status           TaskStatus
	Wave             int // 0-based wave index, -1 until resolved
	Iteration        int // Last finished QA iteration, persisted after each one
	Reason           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Seq              int // Insertion order, used for deterministic tie-breaks
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Files != nil {
		cp.Files = append([]string(nil), t.Files...)
	}
	return &cp
}

// Wave is a group of tasks with no dependency edges between its members.
type Wave struct {
	Index   int
	TaskIDs []string
}

// Plan is the output of a successful resolution pass.
type Plan struct {
	Tasks []*Task // insertion order, Wave populated
	Order []string
	Waves []*Wave
}

// Task returns the task with the given ID, or nil.
func (p *Plan) Task(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}
