package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusMap is a concurrency-safe StatusLookup for tests.
type statusMap struct {
	mu sync.Mutex
	m  map[string]TaskStatus
}

func newStatusMap() *statusMap { return &statusMap{m: make(map[string]TaskStatus)} }

func (s *statusMap) set(id string, st TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = st
}

func (s *statusMap) lookup(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	return st, ok
}

func ids(list []*Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.ID
	}
	return out
}

func TestQueueReadyTasksOrdering(t *testing.T) {
	st := newStatusMap()
	q := NewQueue(st.lookup, nil)

	require.NoError(t, q.Enqueue(&Task{ID: "low", Seq: 0, Priority: 1}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "high", Seq: 1, Priority: 5}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "low2", Seq: 2, Priority: 1}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "next-wave", Seq: 3, Priority: 9}, 1))

	assert.Equal(t, []string{"high", "low", "low2"}, ids(q.ReadyTasks()))

	for _, want := range []string{"high", "low", "low2"} {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}

	_, ok := q.Dequeue()
	assert.False(t, ok, "no wave skipping")
	assert.Equal(t, 1, q.Len())
}

func TestQueueRequiresCompletedDependencies(t *testing.T) {
	st := newStatusMap()
	q := NewQueue(st.lookup, nil)

	st.set("A", TaskRunning)
	require.NoError(t, q.Enqueue(&Task{ID: "B", DependsOn: []string{"A"}}, 0))
	assert.Empty(t, q.ReadyTasks())

	st.set("A", TaskFailed)
	assert.Empty(t, q.ReadyTasks(), "failed dependency never unblocks")

	st.set("A", TaskCompleted)
	assert.Equal(t, []string{"B"}, ids(q.ReadyTasks()))
}

func TestQueueEnqueueRejectsExhaustedWave(t *testing.T) {
	q := NewQueue(newStatusMap().lookup, nil)
	q.SetActiveWave(2)

	err := q.Enqueue(&Task{ID: "late"}, 1)
	assert.True(t, errors.Is(err, ErrWaveExhausted))

	require.NoError(t, q.Enqueue(&Task{ID: "ok"}, 2))
	assert.ErrorIs(t, q.Enqueue(&Task{ID: "ok"}, 3), ErrAlreadyQueued)
}

func TestQueueAdvancesWithActiveWave(t *testing.T) {
	q := NewQueue(newStatusMap().lookup, nil)
	require.NoError(t, q.Enqueue(&Task{ID: "w0"}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "w1"}, 1))

	assert.Equal(t, []string{"w0"}, ids(q.ReadyTasks()))
	assert.Equal(t, []string{"w1"}, q.Pending(1))

	q.SetActiveWave(1)
	assert.Equal(t, []string{"w1"}, ids(q.ReadyTasks()))
	assert.Equal(t, 1, q.ActiveWave())
}

func TestQueueMarkPublishesWithoutRetry(t *testing.T) {
	st := newStatusMap()
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicTask, 10)

	q := NewQueue(st.lookup, bus)
	require.NoError(t, q.Enqueue(&Task{ID: "A"}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "B"}, 0))

	a, _ := q.Dequeue()
	st.set(a.ID, TaskQAIterating)
	q.MarkFailed(a.ID, "gate failure")

	select {
	case ev := <-ch:
		e := ev.(events.TaskStatusEvent)
		assert.Equal(t, "A", e.ID)
		assert.Equal(t, string(TaskQAIterating), e.From)
		assert.Equal(t, string(TaskFailed), e.To)
		assert.Equal(t, "gate failure", e.Reason)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	// A is gone for good; only B remains.
	assert.Equal(t, []string{"B"}, ids(q.ReadyTasks()))

	q.MarkComplete("B")
	ev := <-ch
	assert.Equal(t, string(TaskCompleted), ev.(events.TaskStatusEvent).To)
	assert.Equal(t, 0, q.Len())
}

func TestQueueSnapshotRestore(t *testing.T) {
	st := newStatusMap()
	q := NewQueue(st.lookup, nil)
	require.NoError(t, q.Enqueue(&Task{ID: "A", Seq: 0}, 0))
	require.NoError(t, q.Enqueue(&Task{ID: "B", Seq: 1, DependsOn: []string{"A"}}, 1))
	q.SetActiveWave(0)

	snap := q.Snapshot()
	assert.Equal(t, []string{"A", "B"}, ids(snap.Tasks))

	q.Dequeue()
	q.SetActiveWave(1)

	q.Restore(snap)
	assert.Equal(t, 0, q.ActiveWave())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []string{"A"}, ids(q.ReadyTasks()))

	// Mutating the snapshot does not leak into the queue.
	snap.Tasks[0].ID = "mutated"
	assert.Equal(t, []string{"A"}, ids(q.ReadyTasks()))
}

func TestQueueConcurrentDequeueNeverDuplicates(t *testing.T) {
	q := NewQueue(newStatusMap().lookup, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(&Task{ID: string(rune('a'+i%26)) + string(rune('0'+i/26)), Seq: i}, 0))
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := q.Dequeue()
				if !ok {
					return
				}
				mu.Lock()
				assert.False(t, seen[task.ID], "duplicate dispatch of %s", task.ID)
				seen[task.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
}
