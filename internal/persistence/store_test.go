package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func task(id string, seq int, deps ...string) *scheduler.Task {
	return &scheduler.Task{
		ID:        id,
		Name:      "Task " + id,
		Role:      "coder",
		Status:    scheduler.TaskPending,
		DependsOn: deps,
		Wave:      -1,
		Seq:       seq,
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, task("dep-1", 0)))
	require.NoError(t, store.SaveTask(ctx, task("dep-2", 1)))

	tk := &scheduler.Task{
		ID:               "task-1",
		Name:             "Parser",
		Description:      "Write the parser",
		Role:             "tester",
		EstimatedMinutes: 20,
		Priority:         3,
		DependsOn:        []string{"dep-1", "dep-2"},
		Files:            []string{"parser.go", "dir,with,commas/x.go"},
		Status:           scheduler.TaskReady,
		Wave:             1,
		Iteration:        2,
		Reason:           "",
		Seq:              2,
	}
	require.NoError(t, store.SaveTask(ctx, tk))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, tk.Name, got.Name)
	assert.Equal(t, tk.Description, got.Description)
	assert.Equal(t, tk.Role, got.Role)
	assert.Equal(t, 20, got.EstimatedMinutes)
	assert.Equal(t, 3, got.Priority)
	assert.Equal(t, []string{"dep-1", "dep-2"}, got.DependsOn)
	assert.Equal(t, tk.Files, got.Files)
	assert.Equal(t, scheduler.TaskReady, got.Status)
	assert.Equal(t, 1, got.Wave)
	assert.Equal(t, 2, got.Iteration)
	assert.Equal(t, 2, got.Seq)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSaveTaskMissingDependency(t *testing.T) {
	store := testStore(t)
	err := store.SaveTask(context.Background(), task("a", 0, "ghost"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	_, err = store.GetTask(context.Background(), "a")
	assert.ErrorIs(t, err, ErrTaskNotFound, "failed save must roll back")
}

func TestSaveTaskIterationNeverDecreases(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := task("a", 0)
	tk.Iteration = 7
	require.NoError(t, store.SaveTask(ctx, tk))

	tk.Iteration = 2
	require.NoError(t, store.SaveTask(ctx, tk))

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Iteration)
}

func TestListTasksInSeqOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, task("z", 0)))
	require.NoError(t, store.SaveTask(ctx, task("a", 1, "z")))
	require.NoError(t, store.SaveTask(ctx, task("m", 2, "z", "a")))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "z", tasks[0].ID)
	assert.Equal(t, "a", tasks[1].ID)
	assert.Equal(t, "m", tasks[2].ID)
	assert.Empty(t, tasks[0].DependsOn)
	assert.Equal(t, []string{"z"}, tasks[1].DependsOn)
	assert.ElementsMatch(t, []string{"z", "a"}, tasks[2].DependsOn)
}

func resolvedPlan(t *testing.T, tasks ...*scheduler.Task) *scheduler.Plan {
	t.Helper()
	plan, err := scheduler.NewResolver(tasks, scheduler.ResolverOptions{}).Resolve()
	require.NoError(t, err)
	return plan
}

func TestSavePlanStoresTasksAndWaves(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	plan := resolvedPlan(t, task("c", 0, "a", "b"), task("a", 1), task("b", 2, "a"))
	require.NoError(t, store.SavePlan(ctx, plan))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	waves, err := store.ListWaves(ctx)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	for i, w := range waves {
		assert.Equal(t, plan.Waves[i].Index, w.Index)
		assert.Equal(t, plan.Waves[i].TaskIDs, w.TaskIDs)
	}
}

func TestSavePlanDropsUnstartedTasksOnly(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SavePlan(ctx, resolvedPlan(t, task("a", 0), task("b", 1), task("c", 2))))
	require.NoError(t, store.TransitionTask(ctx, Transition{TaskID: "b", To: scheduler.TaskCompleted}))

	require.NoError(t, store.SavePlan(ctx, resolvedPlan(t, task("a", 0), task("d", 1, "a"))))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	var ids []string
	for _, tk := range tasks {
		ids = append(ids, tk.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "d"}, ids, "completed b survives, pending c is dropped")

	waves, err := store.ListWaves(ctx)
	require.NoError(t, err)
	assert.Len(t, waves, 2)
}

func TestTransitionTaskWithAgent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))

	require.NoError(t, store.TransitionTask(ctx, Transition{TaskID: "a", From: scheduler.TaskPending, To: scheduler.TaskReady}))
	require.NoError(t, store.TransitionTask(ctx, Transition{
		TaskID: "a",
		From:   scheduler.TaskReady,
		To:     scheduler.TaskAssigned,
		Agent:  &AgentRecord{ID: "agent-1", Role: "coder", Status: "assigned", TaskID: "a", WorktreePath: "/tmp/wt/a"},
	}))

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, scheduler.TaskAssigned, got.Status)

	agents, err := store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "assigned", agents[0].Status)
	assert.Equal(t, "a", agents[0].TaskID)

	require.NoError(t, store.TransitionTask(ctx, Transition{
		TaskID: "a",
		From:   scheduler.TaskAssigned,
		To:     scheduler.TaskRunning,
		Agent:  &AgentRecord{ID: "agent-1", Role: "coder", Status: "working", TaskID: "a", Completed: 1, ActiveTime: 1500 * time.Millisecond},
	}))
	agents, err = store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "working", agents[0].Status)
	assert.Equal(t, 1, agents[0].Completed)
	assert.Equal(t, 1500*time.Millisecond, agents[0].ActiveTime)
}

func TestTransitionTaskRejections(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))

	t.Run("stale from", func(t *testing.T) {
		err := store.TransitionTask(ctx, Transition{TaskID: "a", From: scheduler.TaskReady, To: scheduler.TaskAssigned})
		assert.ErrorIs(t, err, ErrStaleTransition)
	})

	t.Run("illegal edge", func(t *testing.T) {
		err := store.TransitionTask(ctx, Transition{TaskID: "a", From: scheduler.TaskPending, To: scheduler.TaskCompleted})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal transition")
	})

	t.Run("unknown task", func(t *testing.T) {
		err := store.TransitionTask(ctx, Transition{TaskID: "ghost", To: scheduler.TaskFailed})
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("failed transition does not write agent", func(t *testing.T) {
		err := store.TransitionTask(ctx, Transition{
			TaskID: "a", From: scheduler.TaskRunning, To: scheduler.TaskCompleted,
			Agent: &AgentRecord{ID: "agent-x", Role: "coder", Status: "idle"},
		})
		require.Error(t, err)
		agents, err := store.ListAgents(ctx)
		require.NoError(t, err)
		assert.Empty(t, agents)
	})
}

func record(taskID string, n int, outcome qa.Outcome) *qa.IterationRecord {
	return &qa.IterationRecord{
		TaskID:    taskID,
		Iteration: n,
		Outcome:   outcome,
		Phases: []qa.PhaseResult{
			{Gate: qa.GateBuild, Ran: true, Success: outcome == qa.OutcomePassed,
				Errors: []qa.GateError{{File: "main.go", Line: n, Message: "boom"}}},
		},
		CommitSHA:   fmt.Sprintf("sha%d", n),
		Diff:        "+line",
		Fingerprint: "fp",
		StartedAt:   time.Date(2026, 1, 1, 0, 0, n, 0, time.UTC),
		Duration:    time.Second,
	}
}

func TestSaveIterationRaisesCounter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.SaveIteration(ctx, record("a", i, qa.OutcomeGateFailure)))
	}

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Iteration)

	history, err := store.ListIterations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Iteration)
	}
	assert.Equal(t, []string{"build: main.go:2: boom"}, history[1].Errors())
	assert.Equal(t, "sha3", history[2].CommitSHA)
	assert.True(t, history[0].StartedAt.Equal(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)))
}

func TestSaveIterationIsAppendOnly(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))

	require.NoError(t, store.SaveIteration(ctx, record("a", 1, qa.OutcomeGateFailure)))
	require.Error(t, store.SaveIteration(ctx, record("a", 1, qa.OutcomePassed)))

	history, err := store.ListIterations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, qa.OutcomeGateFailure, history[0].Outcome)
}

func TestSaveIterationUnknownTaskRollsBack(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.Error(t, store.SaveIteration(ctx, record("ghost", 1, qa.OutcomeGateFailure)))
	history, err := store.ListIterations(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.NotNil(t, history)
}

func TestOutcomeCounts(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))
	require.NoError(t, store.SaveTask(ctx, task("b", 1)))

	require.NoError(t, store.SaveIteration(ctx, record("a", 1, qa.OutcomeGateFailure)))
	require.NoError(t, store.SaveIteration(ctx, record("a", 2, qa.OutcomePassed)))
	require.NoError(t, store.SaveIteration(ctx, record("b", 1, qa.OutcomeGateFailure)))
	require.NoError(t, store.SaveIteration(ctx, record("b", 2, qa.OutcomeWorkerFailure)))

	counts, err := store.OutcomeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[qa.Outcome]int{
		qa.OutcomeGateFailure:   2,
		qa.OutcomePassed:        1,
		qa.OutcomeWorkerFailure: 1,
	}, counts)
}

func TestConcurrentIterationSaves(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	const tasks, iterations = 4, 10
	for i := 0; i < tasks; i++ {
		require.NoError(t, store.SaveTask(ctx, task(fmt.Sprintf("t%d", i), i)))
	}

	var wg sync.WaitGroup
	errs := make(chan error, tasks*iterations)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= iterations; n++ {
				if err := store.SaveIteration(ctx, record(id, n, qa.OutcomeGateFailure)); err != nil {
					errs <- err
				}
			}
		}(fmt.Sprintf("t%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < tasks; i++ {
		got, err := store.GetTask(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
		assert.Equal(t, iterations, got.Iteration)
	}
}

func TestCheckpoints(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, trig := range []checkpoint.Trigger{checkpoint.TriggerScheduled, checkpoint.TriggerMilestone, checkpoint.TriggerPreRisky} {
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		require.NoError(t, store.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
			ID:        fmt.Sprintf("cp-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Trigger:   trig,
			Reason:    "wave 0 complete",
			GitRef:    "abc123",
			Hash:      checkpoint.Hash(payload),
			Pending:   3 - i,
			Completed: i,
			Payload:   payload,
		}))
	}

	list, err := store.ListCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "cp-2", list[0].ID, "newest first")
	assert.Equal(t, checkpoint.TriggerPreRisky, list[0].Trigger)
	assert.Nil(t, list[0].Payload)

	cp, err := store.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), cp.Payload)
	assert.Equal(t, checkpoint.Hash(cp.Payload), cp.Hash)
	assert.True(t, cp.CreatedAt.Equal(base.Add(time.Minute)))
	assert.Equal(t, 2, cp.Pending)

	_, err = store.GetCheckpoint(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	err = store.SaveCheckpoint(ctx, &checkpoint.Checkpoint{ID: "cp-1", CreatedAt: base, Payload: []byte("{}")})
	assert.Error(t, err, "checkpoints are immutable")
}

func TestEscalations(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	esc := &Escalation{TaskID: "a", Reason: qa.ReasonMaxIterations, Iterations: 50, Summary: "test gate failed", Worktree: "/wt/a"}
	require.NoError(t, store.SaveEscalation(ctx, esc))
	assert.NotZero(t, esc.ID)
	require.NoError(t, store.SaveEscalation(ctx, &Escalation{TaskID: "b", Reason: qa.ReasonMergeConflict}))

	list, err := store.ListEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].TaskID)
	assert.Equal(t, 50, list[0].Iterations)
	assert.Equal(t, "/wt/a", list[0].Worktree)
	assert.Equal(t, qa.ReasonMergeConflict, list[1].Reason)
}

func TestRunState(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rs, err := store.LoadRunState(ctx)
	require.NoError(t, err)
	assert.Nil(t, rs)

	require.NoError(t, store.SaveRunState(ctx, RunState{State: "executing", Goal: "goal.yaml", ActiveWave: 2}))
	require.NoError(t, store.SaveRunState(ctx, RunState{State: "paused", Goal: "goal.yaml", ActiveWave: 2}))

	rs, err = store.LoadRunState(ctx)
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, "paused", rs.State)
	assert.Equal(t, 2, rs.ActiveWave)
}

func TestSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, _, err := store.GetSession(ctx, "a/coder")
	require.Error(t, err)

	require.NoError(t, store.SaveSession(ctx, "a/coder", "s1", "claude"))
	require.NoError(t, store.SaveSession(ctx, "a/coder", "s2", "claude"))

	id, provider, err := store.GetSession(ctx, "a/coder")
	require.NoError(t, err)
	assert.Equal(t, "s2", id)
	assert.Equal(t, "claude", provider)
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	require.NoError(t, a.SaveTask(ctx, task("only-in-a", 0)))
	tasks, err := b.ListTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveTask(ctx, task("a", 0)))
	require.NoError(t, store.SaveIteration(ctx, record("a", 1, qa.OutcomeGateFailure)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Iteration, "iteration counter survives restart")
}
