// Package coordinator drives a goal from plan to merged result. It owns the
// top-level run state machine, walks the plan wave by wave with a strict
// barrier between waves, and hands each ready task to a pooled agent that
// runs it through the QA loop in its own worktree.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/plan"
	"github.com/aristath/conductor/internal/pool"
	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/worker"
	"github.com/aristath/conductor/internal/worktree"
)

// DefaultSweepInterval is how often orphaned worktrees are reclaimed.
const DefaultSweepInterval = 5 * time.Minute

// State is the coordinator's run state.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateEscalated State = "escalated" // finished, but not every task completed
	StateAborted   State = "aborted"
)

// Terminal reports whether the run is over.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateEscalated || s == StateAborted
}

var (
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid coordinator state")
	// ErrAborted is returned by Run after Abort.
	ErrAborted = errors.New("run aborted")
)

// TaskRunner advances one task through the QA loop. *qa.Engine implements it.
type TaskRunner interface {
	Run(ctx context.Context, task *scheduler.Task, wt *worktree.Worktree) (*qa.Result, error)
}

// Worktrees is the subset of *worktree.WorktreeManager the coordinator uses.
type Worktrees interface {
	Create(ctx context.Context, taskID string) (*worktree.Worktree, error)
	Merge(ctx context.Context, taskID string) (*worktree.MergeResult, error)
	Abandon(taskID string)
	Remove(ctx context.Context, taskID string) error
	Sweep(ctx context.Context, reclaimable func(taskID string) bool) ([]string, error)
}

// Checkpointer is the subset of *checkpoint.Manager the coordinator uses.
type Checkpointer interface {
	Create(ctx context.Context, trigger checkpoint.Trigger, reason string) (*checkpoint.Checkpoint, error)
	Restore(ctx context.Context, id string) (*checkpoint.State, error)
	List(ctx context.Context) ([]*checkpoint.Checkpoint, error)
}

// Config tunes the coordinator.
type Config struct {
	MaxTaskMinutes int           // estimate cap passed to the resolver
	SweepInterval  time.Duration // 0 means DefaultSweepInterval, negative disables
}

// Deps are the coordinator's collaborators. Store, Pool, Runner and
// Worktrees are required.
type Deps struct {
	Store     persistence.Store
	Pool      *pool.Pool
	Runner    TaskRunner
	Worktrees Worktrees
	Locks     *scheduler.ResourceLockManager // file-scope merge locks; created if nil
	Barrier   *qa.Barrier                    // shared with the QA engine; created if nil
	Processes *worker.ProcessManager         // killed on Abort
	Bus       *events.EventBus
	Notifier  Notifier // defaults to log + bus
	Logger    *zap.Logger
}

// Coordinator is the top-level run state machine.
type Coordinator struct {
	cfg         Config
	deps        Deps
	log         *zap.Logger
	queue       *scheduler.Queue
	locks       *scheduler.ResourceLockManager
	barrier     *qa.Barrier
	notifier    Notifier
	checkpoints Checkpointer
	wake        chan struct{}
	now         func() time.Time

	// mu guards everything below. Queue methods are only called with mu
	// held, which is what makes lookupLocked safe.
	mu        sync.Mutex
	state     State
	goal      string
	tasks     map[string]*scheduler.Task
	order     []string
	waves     []scheduler.Wave
	wave      int
	escalated map[string]string
	inflight  map[string]string // task id -> agent id
	running   bool
	cancel    context.CancelFunc
}

// New creates an idle coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("coordinator: store is required")
	case deps.Pool == nil:
		return nil, errors.New("coordinator: pool is required")
	case deps.Runner == nil:
		return nil, errors.New("coordinator: task runner is required")
	case deps.Worktrees == nil:
		return nil, errors.New("coordinator: worktree manager is required")
	}

	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("coordinator")

	c := &Coordinator{
		cfg:       cfg,
		deps:      deps,
		log:       logger,
		locks:     deps.Locks,
		barrier:   deps.Barrier,
		notifier:  deps.Notifier,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		state:     StateIdle,
		tasks:     make(map[string]*scheduler.Task),
		escalated: make(map[string]string),
		inflight:  make(map[string]string),
	}
	if c.locks == nil {
		c.locks = scheduler.NewResourceLockManager()
	}
	if c.barrier == nil {
		c.barrier = qa.NewBarrier()
	}
	if c.notifier == nil {
		c.notifier = MultiNotifier{LogNotifier{Logger: logger}, BusNotifier{Bus: deps.Bus}}
	}
	c.queue = scheduler.NewQueue(c.lookupLocked, deps.Bus)
	return c, nil
}

// UseCheckpoints enables checkpointing. The manager usually takes the
// coordinator as its state source, so it is wired after New.
func (c *Coordinator) UseCheckpoints(cp Checkpointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = cp
}

// Start resolves the goal into waves, persists the plan and enters
// Executing. A planning error leaves the coordinator idle.
func (c *Coordinator) Start(ctx context.Context, goal plan.Goal) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", state, ErrInvalidState)
	}
	c.setStateLocked(ctx, StatePlanning)
	c.mu.Unlock()

	resolved, err := scheduler.NewResolver(goal.SchedulerTasks(), scheduler.ResolverOptions{
		MaxTaskMinutes: c.cfg.MaxTaskMinutes,
	}).Resolve()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.setStateLocked(ctx, StateIdle)
		return err
	}
	if err := c.deps.Store.SavePlan(ctx, resolved); err != nil {
		c.setStateLocked(ctx, StateIdle)
		return fmt.Errorf("persist plan: %w", err)
	}

	c.goal = goal.Name
	if err := c.loadPlanLocked(resolved.Tasks, resolved.Waves, 0); err != nil {
		c.setStateLocked(ctx, StateIdle)
		return err
	}

	c.log.Info("plan resolved",
		zap.String("goal", goal.Name),
		zap.Int("tasks", len(resolved.Tasks)),
		zap.Int("waves", len(resolved.Waves)))

	c.setStateLocked(ctx, StateExecuting)
	c.publishWaveStartedLocked()
	return nil
}

// loadPlanLocked replaces the task registry and queue. Non-terminal,
// not-in-flight tasks at or after active are queued.
func (c *Coordinator) loadPlanLocked(tasks []*scheduler.Task, waves []*scheduler.Wave, active int) error {
	c.tasks = make(map[string]*scheduler.Task, len(tasks))
	c.order = make([]string, 0, len(tasks))
	for _, t := range tasks {
		c.tasks[t.ID] = t.Clone()
		c.order = append(c.order, t.ID)
	}
	c.waves = make([]scheduler.Wave, len(waves))
	for i, w := range waves {
		c.waves[i] = scheduler.Wave{Index: w.Index, TaskIDs: append([]string(nil), w.TaskIDs...)}
	}
	c.wave = active

	c.queue.Restore(scheduler.QueueSnapshot{ActiveWave: active})
	for _, id := range c.order {
		t := c.tasks[id]
		if t.Status != scheduler.TaskPending && t.Status != scheduler.TaskReady {
			continue
		}
		if err := c.queue.Enqueue(t, t.Wave); err != nil {
			return fmt.Errorf("queue task %s: %w", id, err)
		}
	}
	return nil
}

// Run executes the plan until every wave is done, the run is aborted, or ctx
// is cancelled. It returns nil when the run finished, even if some tasks
// escalated or failed; Status tells them apart.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running || (c.state != StateExecuting && c.state != StatePaused) {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("run in state %s: %w", state, ErrInvalidState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	stop := c.startBackground(runCtx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	loopErr := c.loop(gctx, g)
	if loopErr != nil {
		cancel()
	}
	waitErr := g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := errors.Join(loopErr, waitErr); err != nil {
		if !c.state.Terminal() {
			c.setStateLocked(ctx, StateAborted)
		}
		return err
	}
	if c.state == StateAborted {
		return ErrAborted
	}
	if ctx.Err() != nil {
		c.setStateLocked(context.WithoutCancel(ctx), StateAborted)
		return ctx.Err()
	}
	return nil
}

// loop is the single control loop. Every pass runs under mu: it advances the
// wave pointer, then dispatches ready tasks until the pool is saturated.
func (c *Coordinator) loop(ctx context.Context, g *errgroup.Group) error {
	for {
		c.mu.Lock()
		if c.state.Terminal() {
			c.mu.Unlock()
			return nil
		}
		if err := c.advanceLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		if c.state.Terminal() {
			c.mu.Unlock()
			return nil
		}
		if c.state == StateExecuting {
			if err := c.dispatchLocked(ctx, g); err != nil {
				c.mu.Unlock()
				return err
			}
		}
		c.publishProgressLocked()
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

// advanceLocked promotes and skips tasks of the active wave and moves the
// wave pointer once every task in it is terminal.
func (c *Coordinator) advanceLocked(ctx context.Context) error {
	for c.wave < len(c.waves) {
		done := true
		for _, id := range c.waves[c.wave].TaskIDs {
			t := c.tasks[id]
			if t.Status == scheduler.TaskPending {
				if dep := c.blockedByLocked(t); dep != "" {
					reason := fmt.Sprintf("dependency %s %s", dep, c.tasks[dep].Status)
					if err := c.transitionLocked(ctx, id, scheduler.TaskSkipped, reason, ""); err != nil {
						return err
					}
					c.queue.Remove(id)
				} else if c.depsCompletedLocked(t) {
					if err := c.transitionLocked(ctx, id, scheduler.TaskReady, "", ""); err != nil {
						return err
					}
				}
			}
			if !t.Status.Terminal() {
				done = false
			}
		}
		if !done {
			return nil
		}

		c.publishWaveCompletedLocked()
		c.wave++
		c.queue.SetActiveWave(c.wave)
		c.saveRunStateLocked(ctx)
		if c.wave < len(c.waves) {
			c.publishWaveStartedLocked()
		}
	}

	final := StateCompleted
	for _, id := range c.order {
		if c.tasks[id].Status != scheduler.TaskCompleted {
			final = StateEscalated
			break
		}
	}
	c.setStateLocked(ctx, final)
	c.log.Info("run finished", zap.String("state", string(final)), zap.Int("escalated", len(c.escalated)))
	return nil
}

// blockedByLocked returns the first dependency that ended without completing.
func (c *Coordinator) blockedByLocked(t *scheduler.Task) string {
	for _, dep := range t.DependsOn {
		d, ok := c.tasks[dep]
		if ok && d.Status.Terminal() && d.Status != scheduler.TaskCompleted {
			return dep
		}
	}
	return ""
}

func (c *Coordinator) depsCompletedLocked(t *scheduler.Task) bool {
	for _, dep := range t.DependsOn {
		if d, ok := c.tasks[dep]; !ok || d.Status != scheduler.TaskCompleted {
			return false
		}
	}
	return true
}

// lookupLocked is the queue's status source. The queue only calls it from
// methods the coordinator invokes with mu held.
func (c *Coordinator) lookupLocked(taskID string) (scheduler.TaskStatus, bool) {
	t, ok := c.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// startBackground runs the orphan sweeper and the checkpoint notifier until
// ctx ends. The returned func waits for both.
func (c *Coordinator) startBackground(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweep(ctx)
		if c.cfg.SweepInterval < 0 {
			return
		}
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()

	if c.deps.Bus != nil {
		ch := c.deps.Bus.Subscribe(events.TopicCheckpoint, 16)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.deps.Bus.Unsubscribe(ch)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if created, ok := ev.(events.CheckpointCreatedEvent); ok {
						c.notifier.Checkpointed(ctx, created)
					}
				}
			}
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

// sweep reclaims worktrees whose tasks finished without cleaning up, e.g.
// after a crash.
func (c *Coordinator) sweep(ctx context.Context) {
	removed, err := c.deps.Worktrees.Sweep(ctx, c.reclaimable)
	if err != nil && ctx.Err() == nil {
		c.log.Warn("worktree sweep failed", zap.Error(err))
	}
	if len(removed) > 0 {
		c.log.Info("reclaimed orphan worktrees", zap.Strings("task_ids", removed))
	}
}

// reclaimable reports whether a task's worktree may be deleted. Escalated
// tasks keep theirs for a human; unknown ids are left alone.
func (c *Coordinator) reclaimable(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return false
	}
	if _, busy := c.inflight[taskID]; busy {
		return false
	}
	switch t.Status {
	case scheduler.TaskCompleted, scheduler.TaskFailed, scheduler.TaskSkipped:
		return true
	}
	return false
}

// signal wakes the control loop without blocking.
func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) setStateLocked(ctx context.Context, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Info("run state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	c.publish(events.TopicRun, events.RunStateEvent{From: string(from), To: string(to), Timestamp: c.now()})
	c.saveRunStateLocked(ctx)
}

func (c *Coordinator) saveRunStateLocked(ctx context.Context) {
	err := c.deps.Store.SaveRunState(context.WithoutCancel(ctx), persistence.RunState{
		State:      string(c.state),
		Goal:       c.goal,
		ActiveWave: c.wave,
	})
	if err != nil {
		c.log.Warn("failed to persist run state", zap.Error(err))
	}
}

func (c *Coordinator) publish(topic string, ev events.Event) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(topic, ev)
	}
}

func (c *Coordinator) publishWaveStartedLocked() {
	if c.wave >= len(c.waves) {
		return
	}
	w := c.waves[c.wave]
	c.log.Info("wave started", zap.Int("wave", w.Index), zap.Int("tasks", len(w.TaskIDs)))
	c.publish(events.TopicWave, events.WaveStartedEvent{
		Index:     w.Index,
		TaskIDs:   append([]string(nil), w.TaskIDs...),
		Timestamp: c.now(),
	})
}

func (c *Coordinator) publishWaveCompletedLocked() {
	w := c.waves[c.wave]
	ev := events.WaveCompletedEvent{Index: w.Index, Timestamp: c.now()}
	for _, id := range w.TaskIDs {
		switch c.tasks[id].Status {
		case scheduler.TaskCompleted:
			ev.Completed++
		case scheduler.TaskFailed:
			ev.Failed++
		case scheduler.TaskEscalated:
			ev.Escalated++
		case scheduler.TaskSkipped:
			ev.Skipped++
		}
	}
	c.log.Info("wave completed",
		zap.Int("wave", w.Index),
		zap.Int("completed", ev.Completed),
		zap.Int("failed", ev.Failed),
		zap.Int("escalated", ev.Escalated),
		zap.Int("skipped", ev.Skipped))
	c.publish(events.TopicWave, ev)
}

func (c *Coordinator) publishProgressLocked() {
	if c.deps.Bus == nil {
		return
	}
	ev := events.RunProgressEvent{Wave: c.wave, Waves: len(c.waves), Total: len(c.tasks), Timestamp: c.now()}
	for _, t := range c.tasks {
		switch {
		case t.Status == scheduler.TaskCompleted:
			ev.Completed++
		case t.Status == scheduler.TaskFailed || t.Status == scheduler.TaskSkipped:
			ev.Failed++
		case t.Status == scheduler.TaskEscalated:
			ev.Escalated++
		case t.Status.InFlight():
			ev.Running++
		default:
			ev.Pending++
		}
	}
	c.publish(events.TopicRun, ev)
}
