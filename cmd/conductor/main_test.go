package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/coordinator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/worker"
)

const goalYAML = `
name: auth
tasks:
  - id: schema
    role: coder
  - id: api
    depends_on: [schema]
  - id: docs
`

// isolate points config and state at a temp dir and returns it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("CONDUCTOR_STORE_PATH", filepath.Join(dir, "state.db"))
	return dir
}

func execRoot(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(dir, "missing.yaml"), "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHasEverySubcommand(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range newRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"plan", "run", "status", "checkpoints", "restore", "sweep"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestPlanCommandPrintsWaves(t *testing.T) {
	dir := isolate(t)
	goal := filepath.Join(dir, "goal.yaml")
	require.NoError(t, os.WriteFile(goal, []byte(goalYAML), 0o644))

	out, err := execRoot(t, dir, "plan", goal)
	require.NoError(t, err)

	assert.Contains(t, out, "auth: 3 tasks in 2 waves")
	assert.Contains(t, out, "wave 1")
	assert.Contains(t, out, "schema [coder]")
	assert.Contains(t, out, "api after schema")
}

func TestPlanCommandReportsCycles(t *testing.T) {
	dir := isolate(t)
	goal := filepath.Join(dir, "goal.yaml")
	require.NoError(t, os.WriteFile(goal, []byte(`
name: loop
tasks:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`), 0o644))

	_, err := execRoot(t, dir, "plan", goal)
	var perr *scheduler.PlanningError
	assert.ErrorAs(t, err, &perr)
}

func TestStatusCommandEmptyStore(t *testing.T) {
	dir := isolate(t)
	out, err := execRoot(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no run recorded")
}

func TestStatusCommandShowsTasksAndEscalations(t *testing.T) {
	dir := isolate(t)
	ctx := context.Background()

	store, err := persistence.NewSQLiteStore(ctx, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	require.NoError(t, store.SaveTask(ctx, &scheduler.Task{ID: "schema", Status: scheduler.TaskCompleted, Iteration: 2}))
	require.NoError(t, store.SaveTask(ctx, &scheduler.Task{ID: "api", Status: scheduler.TaskEscalated, Iteration: 50, Reason: "iteration_limit"}))
	require.NoError(t, store.SaveRunState(ctx, persistence.RunState{State: "escalated", Goal: "auth", ActiveWave: 1}))
	require.NoError(t, store.SaveEscalation(ctx, &persistence.Escalation{
		TaskID: "api", Reason: "iteration_limit", Iterations: 50, Summary: "tests keep failing", Worktree: "/repo/.worktrees/api",
	}))
	require.NoError(t, store.Close())

	out, err := execRoot(t, dir, "status")
	require.NoError(t, err)

	assert.Contains(t, out, "run auth: escalated (wave 2")
	assert.Contains(t, out, "schema")
	assert.Contains(t, out, "needs attention:")
	assert.Contains(t, out, "api (iteration_limit after 50 iterations)")
	assert.Contains(t, out, "worktree: /repo/.worktrees/api")
}

func TestCheckpointsCommandEmpty(t *testing.T) {
	dir := isolate(t)
	out, err := execRoot(t, dir, "checkpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "no checkpoints")
}

func TestFinishedTasks(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	for id, status := range map[string]scheduler.TaskStatus{
		"done":    scheduler.TaskCompleted,
		"broken":  scheduler.TaskFailed,
		"skipped": scheduler.TaskSkipped,
		"human":   scheduler.TaskEscalated,
		"busy":    scheduler.TaskQAIterating,
	} {
		require.NoError(t, store.SaveTask(ctx, &scheduler.Task{ID: id, Status: status}))
	}

	reclaimable, err := finishedTasks(ctx, store)
	require.NoError(t, err)

	assert.True(t, reclaimable("done"))
	assert.True(t, reclaimable("broken"))
	assert.True(t, reclaimable("skipped"))
	assert.False(t, reclaimable("human"))
	assert.False(t, reclaimable("busy"))
	assert.False(t, reclaimable("unknown"))
}

func TestNewAppWiresConfiguredGatesAndRoles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "state.db")
	cfg.Worktree.RepoPath = dir
	cfg.Gates.Lint = config.GateConfig{}

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.coord)
	require.NotNil(t, a.checkpoints)
	assert.Equal(t, cfg.Pool.Capacity, a.pool.Capacity())
	assert.Equal(t, coordinator.StateIdle, a.coord.Status().State)

	workers, err := a.workers()
	require.NoError(t, err)
	for _, role := range worker.Roles() {
		assert.True(t, workers.Has(role), "role %s has no worker", role)
	}

	gates := a.gates(workers)
	assert.NotNil(t, gates.Build)
	assert.Nil(t, gates.Lint)
	assert.NotNil(t, gates.Test)
	assert.NotNil(t, gates.Review)
}

func TestNewAppRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "state.db")
	coder := cfg.Agents["coder"]
	coder.Provider = "nope"
	cfg.Agents["coder"] = coder

	_, err := newApp(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, `unknown provider "nope"`)
}

type fakeControl struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeControl) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeControl) Pause() error  { return f.record("pause") }
func (f *fakeControl) Resume() error { return f.record("resume") }
func (f *fakeControl) Abort() error  { return f.record("abort") }

func (f *fakeControl) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestDispatchSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var forced bool
	var mu sync.Mutex
	force := func() {
		mu.Lock()
		forced = true
		mu.Unlock()
		cancel()
	}

	sigs := make(chan os.Signal, 4)
	ctl := &fakeControl{}
	done := make(chan struct{})
	go func() {
		dispatchSignals(ctx, sigs, ctl, force, zap.NewNop())
		close(done)
	}()

	sigs <- syscall.SIGUSR1
	sigs <- syscall.SIGUSR2
	sigs <- syscall.SIGTERM
	sigs <- syscall.SIGINT

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after the second interrupt")
	}

	assert.Equal(t, []string{"pause", "resume", "abort"}, ctl.Calls())
	mu.Lock()
	assert.True(t, forced)
	mu.Unlock()
}

func TestRunWatcherDebounces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "goal.yaml")
	evs := make(chan fsnotify.Event)
	errs := make(chan error)
	changes := make(chan struct{}, 10)

	go runWatcher(ctx, evs, errs, path, func() { changes <- struct{}{} }, zap.NewNop())

	evs <- fsnotify.Event{Name: filepath.Join(filepath.Dir(path), "other.yaml"), Op: fsnotify.Write}
	evs <- fsnotify.Event{Name: path, Op: fsnotify.Chmod}
	for i := 0; i < 3; i++ {
		evs <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	}

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case <-changes:
		t.Fatal("burst reported more than once")
	case <-time.After(2 * watchDebounce):
	}
}

type fakeReplanner struct {
	tasks []*scheduler.Task
	err   error
}

func (f *fakeReplanner) Replan(_ context.Context, tasks []*scheduler.Task) error {
	f.tasks = tasks
	return f.err
}

func TestReplanFromGoalFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(goalYAML), 0o644))

	target := &fakeReplanner{}
	replan(context.Background(), path, target, zap.NewNop())
	require.Len(t, target.tasks, 3)
	assert.Equal(t, "schema", target.tasks[0].ID)

	require.NoError(t, os.WriteFile(path, []byte("name: broken\ntasks: [{}]\n"), 0o644))
	target = &fakeReplanner{}
	replan(context.Background(), path, target, zap.NewNop())
	assert.Nil(t, target.tasks, "invalid goal must not reach the coordinator")

	require.NoError(t, os.WriteFile(path, []byte(goalYAML), 0o644))
	target = &fakeReplanner{err: errors.New("cycle")}
	replan(context.Background(), path, target, zap.NewNop())
	assert.Len(t, target.tasks, 3)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, coordinator.Status{
		State: coordinator.StateEscalated,
		Counts: map[scheduler.TaskStatus]int{
			scheduler.TaskCompleted: 1,
			scheduler.TaskFailed:    1,
			scheduler.TaskEscalated: 1,
		},
		Tasks: []*scheduler.Task{
			{ID: "a", Status: scheduler.TaskCompleted},
			{ID: "b", Status: scheduler.TaskFailed, Reason: "commit failed"},
			{ID: "c", Status: scheduler.TaskEscalated},
		},
		Escalated: map[string]string{"c": "merge_conflict"},
	})

	assert.Contains(t, out.String(), "run escalated: 1 completed, 1 failed, 0 skipped, 1 escalated of 3 tasks")
	assert.Contains(t, out.String(), "escalated c: merge_conflict")
	assert.Contains(t, out.String(), "failed b: commit failed")
}
