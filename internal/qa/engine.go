// Package qa drives a single task through repeated worker and gate passes
// until every hard gate is green or the task runs out of budget.
package qa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/worker"
	"github.com/aristath/conductor/internal/worktree"
)

// Defaults for Config.
const (
	DefaultMaxIterations = 50
	DefaultTaskTimeout   = 4 * time.Hour
	DefaultWorkerTimeout = 20 * time.Minute
	DefaultMaxExchanges  = 5
)

var errTaskTimeout = errors.New("task wall-clock timeout")

// Config bounds one task's QA loop.
type Config struct {
	MaxIterations  int
	TaskTimeout    time.Duration
	WorkerTimeout  time.Duration // per exchange; zero disables
	MaxExchanges   int
	StuckThreshold int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  DefaultMaxIterations,
		TaskTimeout:    DefaultTaskTimeout,
		WorkerTimeout:  DefaultWorkerTimeout,
		MaxExchanges:   DefaultMaxExchanges,
		StuckThreshold: DefaultStuckThreshold,
	}
}

// Repo commits iteration snapshots to a task's worktree branch.
type Repo interface {
	CommitIteration(ctx context.Context, taskID string, iteration int, summary string) (*worktree.Commit, error)
}

// Recorder persists iteration history. SaveIteration must store the record
// and the task's iteration counter atomically.
type Recorder interface {
	SaveIteration(ctx context.Context, rec *IterationRecord) error
	ListIterations(ctx context.Context, taskID string) ([]IterationRecord, error)
}

// Deps are the engine's collaborators. Bus, Logger and Barrier are optional.
type Deps struct {
	Worker   worker.Worker
	Gates    GateSet
	Repo     Repo
	Recorder Recorder
	Bus      *events.EventBus
	Logger   *zap.Logger
	Barrier  *Barrier
}

// ResultStatus is how a QA run ended.
type ResultStatus string

const (
	ResultPassed    ResultStatus = "passed"
	ResultEscalated ResultStatus = "escalated"
	ResultFailed    ResultStatus = "failed"
)

// Result is the outcome of Run. History holds every record for the task,
// including those from before a restart.
type Result struct {
	Status     ResultStatus
	Iterations int
	History    []IterationRecord
	Escalation *EscalationRequired
}

// Engine runs the per-task QA loop. One Engine serves many tasks concurrently.
type Engine struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	now  func() time.Time
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxExchanges <= 0 {
		cfg.MaxExchanges = def.MaxExchanges
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, deps: deps, log: logger.Named("qa"), now: time.Now}
}

// Config returns the effective limits.
func (e *Engine) Config() Config { return e.cfg }

// Run iterates task inside wt until it passes, escalates, or ctx is
// cancelled. The counter continues from the persisted history, so a resumed
// task never repeats an iteration number.
//
// A cancelled ctx yields ResultFailed together with ctx.Err(). Any other
// error means the history could not be persisted.
func (e *Engine) Run(ctx context.Context, task *scheduler.Task, wt *worktree.Worktree) (*Result, error) {
	history, err := e.deps.Recorder.ListIterations(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("load iterations for %s: %w", task.ID, err)
	}

	iter := task.Iteration
	if n := len(history); n > 0 && history[n-1].Iteration > iter {
		iter = history[n-1].Iteration
	}

	clock := newTaskClock(ctx, e.cfg.TaskTimeout)
	defer clock.stop()
	taskCtx := clock.Context()

	stuck := newStuckDetector(e.cfg.StuckThreshold)
	stuck.seed(history)
	var hints []string

	log := e.log.With(zap.String("task_id", task.ID))
	log.Info("qa loop started", zap.Int("resume_from", iter), zap.String("worktree", wt.Path))

	for {
		if iter >= e.cfg.MaxIterations {
			return e.escalate(task, iter, history, ReasonMaxIterations), nil
		}

		if err := clock.wait(e.deps.Barrier); err != nil {
			if ctx.Err() != nil {
				return &Result{Status: ResultFailed, Iterations: iter, History: history}, ctx.Err()
			}
			return e.escalate(task, iter, history, ReasonTimeout), nil
		}

		iter++
		var prior *IterationRecord
		if n := len(history); n > 0 {
			prior = &history[n-1]
		}

		rec, err := e.iterate(clock, task, wt, iter, prior, hints)
		if rec != nil {
			history = append(history, *rec)
			task.Iteration = iter
			e.publishIteration(rec)
		}
		if err != nil {
			return &Result{Status: ResultFailed, Iterations: iter, History: history}, err
		}

		log.Info("iteration finished",
			zap.Int("iteration", iter),
			zap.String("outcome", string(rec.Outcome)),
			zap.Int("errors", len(rec.Errors())),
			zap.Duration("duration", rec.Duration))

		if rec.Outcome == OutcomePassed {
			return &Result{Status: ResultPassed, Iterations: iter, History: history}, nil
		}

		hints = hints[:0]
		if repeats, hit := stuck.observe(rec.Fingerprint); repeats >= e.cfg.StuckThreshold {
			hints = append(hints, stuckHint)
			if hit {
				log.Warn("task is repeating the same failure", zap.Int("repeats", repeats), zap.String("fingerprint", rec.Fingerprint))
				e.publish(events.TopicQA, events.QAStuckEvent{
					ID:          task.ID,
					Iteration:   iter,
					Repeats:     repeats,
					Fingerprint: rec.Fingerprint,
					Timestamp:   e.now(),
				})
			}
		}

		if ctx.Err() != nil {
			return &Result{Status: ResultFailed, Iterations: iter, History: history}, ctx.Err()
		}
		if taskCtx.Err() != nil {
			return e.escalate(task, iter, history, ReasonTimeout), nil
		}
	}
}

// iterate runs one pass. The record is saved even if the pass panics.
func (e *Engine) iterate(clock *taskClock, task *scheduler.Task, wt *worktree.Worktree, iter int, prior *IterationRecord, hints []string) (rec *IterationRecord, err error) {
	ctx := clock.Context()
	rec = &IterationRecord{TaskID: task.ID, Iteration: iter, StartedAt: e.now()}

	defer func() {
		r := recover()
		if r != nil {
			rec.Outcome = OutcomeWorkerFailure
			rec.WorkerError = fmt.Sprintf("panic: %v", r)
		}
		rec.Duration = e.now().Sub(rec.StartedAt)
		if rec.Outcome != OutcomePassed {
			rec.Fingerprint = Fingerprint(rec.Errors())
		}
		if saveErr := e.deps.Recorder.SaveIteration(context.WithoutCancel(ctx), rec); saveErr != nil {
			e.log.Error("failed to persist iteration", zap.String("task_id", task.ID), zap.Int("iteration", iter), zap.Error(saveErr))
			if err == nil {
				err = fmt.Errorf("save iteration %d of %s: %w", iter, task.ID, saveErr)
			}
		}
		if r != nil {
			panic(r)
		}
	}()

	req := worker.Request{
		TaskID:      task.ID,
		Name:        task.Name,
		Description: task.Description,
		Role:        roleOf(task),
		WorkDir:     wt.Path,
		Iteration:   iter,
		Exchange:    1,
		Hints:       append([]string(nil), hints...),
		Files:       task.Files,
	}
	if prior != nil {
		req.PriorDiff = prior.Diff
		req.PriorErrors = prior.Errors()
	}

	workErr := e.exchange(ctx, req, wt.Path, rec)

	commit, cerr := e.deps.Repo.CommitIteration(context.WithoutCancel(ctx), task.ID, iter, rec.WorkerSummary)
	if cerr != nil {
		rec.Outcome = OutcomeWorkerFailure
		rec.WorkerError = "commit: " + cerr.Error()
		return rec, fmt.Errorf("commit iteration %d of %s: %w", iter, task.ID, cerr)
	}
	rec.CommitSHA = commit.SHA
	rec.Diff = commit.Diff

	if workErr != nil {
		rec.Outcome = e.interruption(ctx, OutcomeWorkerFailure)
		rec.WorkerError = workErr.Error()
		return rec, nil
	}

	rec.Outcome = e.runGates(clock, task, wt, rec)
	return rec, nil
}

// exchange invokes the worker until it signals completion or the exchange
// budget runs out. Changes are applied after every exchange.
func (e *Engine) exchange(ctx context.Context, req worker.Request, root string, rec *IterationRecord) error {
	for ex := 1; ex <= e.cfg.MaxExchanges; ex++ {
		req.Exchange = ex
		rec.Exchanges = ex

		wctx, cancel := ctx, context.CancelFunc(func() {})
		if e.cfg.WorkerTimeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, e.cfg.WorkerTimeout)
		}
		resp, err := e.deps.Worker.Invoke(wctx, req)
		cancel()
		if err != nil {
			reason := "invoke"
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				reason = "exchange timeout"
			}
			return &WorkerFailure{Reason: reason, Err: err}
		}

		if err := worker.ApplyChanges(root, resp.Changes); err != nil {
			return &WorkerFailure{Reason: "apply changes", Err: err}
		}
		if resp.Summary != "" {
			rec.WorkerSummary = resp.Summary
		}
		if resp.Done {
			return nil
		}
	}
	return &WorkerFailure{Reason: fmt.Sprintf("no completion signal after %d exchanges", e.cfg.MaxExchanges)}
}

// runGates runs build, lint, test and review in order. A hard failure skips
// the remaining gates; lint never blocks.
func (e *Engine) runGates(clock *taskClock, task *scheduler.Task, wt *worktree.Worktree, rec *IterationRecord) Outcome {
	ctx := clock.Context()
	gateReq := GateRequest{
		TaskID:    task.ID,
		Name:      task.Name,
		WorkDir:   wt.Path,
		Iteration: rec.Iteration,
		CommitSHA: rec.CommitSHA,
		Diff:      rec.Diff,
	}

	failed := false
	for _, name := range GateOrder {
		phase := PhaseResult{Gate: name, Advisory: name.Advisory()}
		g := e.deps.Gates.Get(name)
		if g == nil || failed {
			rec.Phases = append(rec.Phases, phase)
			continue
		}

		if err := clock.wait(e.deps.Barrier); err != nil {
			return e.interruption(ctx, OutcomeCancelled)
		}

		res, err := g.Run(ctx, gateReq)
		if err != nil {
			if ctx.Err() != nil {
				return e.interruption(ctx, OutcomeCancelled)
			}
			res = GateResult{Errors: []GateError{{Message: err.Error()}}}
		}

		phase.Ran = true
		phase.Success = res.Success
		phase.Errors = res.Errors
		phase.Warnings = res.Warnings
		phase.Duration = res.Duration
		rec.Phases = append(rec.Phases, phase)

		if !res.Success && !phase.Advisory {
			failed = true
		}
	}

	if failed {
		return OutcomeGateFailure
	}
	return OutcomePassed
}

// interruption maps a done ctx to timeout or cancelled, or returns fallback.
func (e *Engine) interruption(ctx context.Context, fallback Outcome) Outcome {
	if ctx.Err() == nil {
		return fallback
	}
	if errors.Is(context.Cause(ctx), errTaskTimeout) {
		return OutcomeTimeout
	}
	return OutcomeCancelled
}

func (e *Engine) escalate(task *scheduler.Task, iter int, history []IterationRecord, reason string) *Result {
	summary := "no iterations recorded"
	if n := len(history); n > 0 {
		if f := history[n-1].Failure(); f != nil {
			summary = f.Error()
		}
	}
	esc := &EscalationRequired{TaskID: task.ID, Reason: reason, Iterations: iter, Summary: summary}
	e.log.Warn("task escalated", zap.String("task_id", task.ID), zap.String("reason", reason), zap.Int("iterations", iter))
	return &Result{Status: ResultEscalated, Iterations: iter, History: history, Escalation: esc}
}

func (e *Engine) publishIteration(rec *IterationRecord) {
	e.publish(events.TopicQA, events.IterationFinishedEvent{
		ID:        rec.TaskID,
		Iteration: rec.Iteration,
		Outcome:   string(rec.Outcome),
		Errors:    len(rec.Errors()),
		Duration:  rec.Duration,
		Timestamp: e.now(),
	})
}

func (e *Engine) publish(topic string, ev events.Event) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(topic, ev)
	}
}

func roleOf(task *scheduler.Task) worker.Role {
	role, err := worker.ParseRole(task.Role)
	if err != nil {
		return worker.RoleCoder
	}
	return role
}
