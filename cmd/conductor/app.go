package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/coordinator"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/pool"
	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/worker"
	"github.com/aristath/conductor/internal/worktree"
)

// app holds every long-lived component of one conductor process.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *persistence.SQLiteStore
	bus         *events.EventBus
	pool        *pool.Pool
	processes   *worker.ProcessManager
	worktrees   *worktree.WorktreeManager
	coord       *coordinator.Coordinator
	checkpoints *checkpoint.Manager
}

// newApp wires the coordinator and its collaborators from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bus:       events.NewEventBus(),
		processes: worker.NewProcessManager(),
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	workers, err := a.workers()
	if err != nil {
		return err
	}

	repoPath, err := filepath.Abs(cfg.Worktree.RepoPath)
	if err != nil {
		return fmt.Errorf("resolve repository path: %w", err)
	}
	a.worktrees = worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:    repoPath,
		BaseBranch:  cfg.Worktree.BaseBranch,
		WorktreeDir: cfg.Worktree.Dir,
		AuthorName:  cfg.Worktree.AuthorName,
		AuthorEmail: cfg.Worktree.AuthorEmail,
	}, a.logger)

	a.pool = pool.New(pool.Config{Capacity: cfg.Pool.Capacity}, a.bus, a.logger)

	barrier := qa.NewBarrier()
	engine := qa.NewEngine(cfg.QA.Limits(), qa.Deps{
		Worker:   workers,
		Gates:    a.gates(workers),
		Repo:     a.worktrees,
		Recorder: a.store,
		Bus:      a.bus,
		Logger:   a.logger,
		Barrier:  barrier,
	})

	a.coord, err = coordinator.New(coordinator.Config{
		MaxTaskMinutes: cfg.Planning.MaxTaskMinutes,
		SweepInterval:  cfg.Worktree.SweepInterval,
	}, coordinator.Deps{
		Store:     a.store,
		Pool:      a.pool,
		Runner:    engine,
		Worktrees: a.worktrees,
		Barrier:   barrier,
		Processes: a.processes,
		Bus:       a.bus,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	a.checkpoints = checkpoint.NewManager(
		checkpoint.Config{Interval: cfg.Checkpoint.Interval},
		a.coord,
		a.store,
		checkpoint.NewGitRefs(repoPath, cfg.Worktree.BaseBranch),
		a.bus,
		a.logger,
	)
	a.coord.UseCheckpoints(a.checkpoints)
	return nil
}

// workers builds one resilient CLI worker per provider and binds every
// configured role to its provider's worker.
func (a *app) workers() (*worker.Set, error) {
	profiles, err := a.cfg.Profiles()
	if err != nil {
		return nil, err
	}
	set := worker.NewSet(profiles)
	breakers := worker.NewBreakerRegistry(a.cfg.Retry.Breaker(), a.logger)

	byProvider := make(map[string]worker.Worker)
	for _, role := range worker.Roles() {
		provider := set.Profile(role).Provider
		w, ok := byProvider[provider]
		if !ok {
			cliCfg, err := a.cfg.CLIConfig(provider)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			cli, err := worker.NewCLIWorker(cliCfg, a.processes)
			if err != nil {
				return nil, err
			}
			cli.UseSessions(a.store)
			w = worker.NewResilient(cli, provider, breakers, a.cfg.Retry.Backoff())
			byProvider[provider] = w
		}
		set.Register(role, w)
	}
	return set, nil
}

// gates builds the configured quality gates. An empty command leaves a gate
// out.
func (a *app) gates(reviewer worker.Worker) qa.GateSet {
	g := a.cfg.Gates
	command := func(name qa.GateName, gc config.GateConfig) qa.Gate {
		if gc.Command == "" {
			return nil
		}
		return qa.NewCommandGate(name, gc.Command, gc.Args, gc.Timeout, a.processes)
	}

	set := qa.GateSet{
		Build: command(qa.GateBuild, g.Build),
		Lint:  command(qa.GateLint, g.Lint),
		Test:  command(qa.GateTest, g.Test),
	}
	if g.Review.Enabled {
		set.Review = qa.NewReviewGate(reviewer)
	}
	return set
}

// Close stops subprocesses and releases the store and bus.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if err := a.processes.KillAll(); err != nil {
		a.logger.Warn("failed to kill subprocesses", zap.Error(err))
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close state store", zap.Error(err))
	}
}
