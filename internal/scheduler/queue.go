package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/events"
)

var (
	// ErrWaveExhausted is returned when enqueuing into a wave that already finished.
	ErrWaveExhausted = errors.New("wave already exhausted")
	// ErrAlreadyQueued is returned when a task ID is enqueued twice.
	ErrAlreadyQueued = errors.New("task already queued")
)

// StatusLookup reports the authoritative status of a task. The queue never
// owns task status; it asks whoever does.
type StatusLookup func(taskID string) (TaskStatus, bool)

// QueueSnapshot is the serializable state of a Queue.
type QueueSnapshot struct {
	ActiveWave int     `json:"active_wave"`
	Tasks      []*Task `json:"tasks"`
}

// Queue holds tasks that have not been dispatched yet. Only tasks of the
// active wave whose dependencies all completed are handed out.
type Queue struct {
	mu         sync.Mutex
	lookup     StatusLookup
	bus        *events.EventBus
	tasks      map[string]*Task
	activeWave int
}

// NewQueue creates an empty queue. bus may be nil.
func NewQueue(lookup StatusLookup, bus *events.EventBus) *Queue {
	return &Queue{
		lookup: lookup,
		bus:    bus,
		tasks:  make(map[string]*Task),
	}
}

// Enqueue adds a task to the given wave.
func (q *Queue) Enqueue(task *Task, wave int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if wave < q.activeWave {
		return fmt.Errorf("enqueue %q into wave %d (active %d): %w", task.ID, wave, q.activeWave, ErrWaveExhausted)
	}
	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("enqueue %q: %w", task.ID, ErrAlreadyQueued)
	}

	cp := task.Clone()
	cp.Wave = wave
	q.tasks[cp.ID] = cp
	return nil
}

// SetActiveWave moves the dispatch window. Earlier waves become exhausted.
func (q *Queue) SetActiveWave(wave int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.activeWave = wave
}

// ActiveWave returns the wave currently being dispatched.
func (q *Queue) ActiveWave() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeWave
}

// ReadyTasks returns the dispatchable tasks, highest priority first, ties in
// insertion order. The returned tasks are copies.
func (q *Queue) ReadyTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := q.readyLocked()
	out := make([]*Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	return out
}

func (q *Queue) readyLocked() []*Task {
	var ready []*Task
	for _, t := range q.tasks {
		if t.Wave != q.activeWave || !q.depsCompleted(t) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

func (q *Queue) depsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		status, ok := q.lookup(dep)
		if !ok || status != TaskCompleted {
			return false
		}
	}
	return true
}

// Dequeue removes and returns the highest-priority ready task.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ready := q.readyLocked()
	if len(ready) == 0 {
		return nil, false
	}
	next := ready[0]
	delete(q.tasks, next.ID)
	return next, true
}

// Remove drops a task without dispatching it. Unknown IDs are ignored.
func (q *Queue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, taskID)
}

// Pending returns the IDs still queued for a wave, in insertion order.
func (q *Queue) Pending(wave int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var list []*Task
	for _, t := range q.tasks {
		if t.Wave == wave {
			list = append(list, t)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	ids := make([]string, len(list))
	for i, t := range list {
		ids[i] = t.ID
	}
	return ids
}

// Len returns the number of queued tasks across all waves.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// MarkComplete announces that a dispatched task completed. The queue does not
// retry; the event lets the coordinator advance.
func (q *Queue) MarkComplete(taskID string) {
	q.finish(taskID, TaskCompleted, "")
}

// MarkFailed announces that a dispatched task failed for good.
func (q *Queue) MarkFailed(taskID, reason string) {
	q.finish(taskID, TaskFailed, reason)
}

func (q *Queue) finish(taskID string, to TaskStatus, reason string) {
	q.mu.Lock()
	delete(q.tasks, taskID)
	wave := q.activeWave
	q.mu.Unlock()

	if q.bus == nil {
		return
	}
	from, _ := q.lookup(taskID)
	q.bus.Publish(events.TopicTask, events.TaskStatusEvent{
		ID:        taskID,
		From:      string(from),
		To:        string(to),
		Wave:      wave,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// Snapshot returns a copy of the queue state.
func (q *Queue) Snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := QueueSnapshot{ActiveWave: q.activeWave, Tasks: make([]*Task, 0, len(q.tasks))}
	for _, t := range q.tasks {
		snap.Tasks = append(snap.Tasks, t.Clone())
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Seq < snap.Tasks[j].Seq })
	return snap
}

// Restore replaces the queue contents with a snapshot.
func (q *Queue) Restore(snap QueueSnapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.activeWave = snap.ActiveWave
	q.tasks = make(map[string]*Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		q.tasks[t.ID] = t.Clone()
	}
}
