package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/plan"
	"github.com/aristath/conductor/internal/scheduler"
)

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 500 * time.Millisecond

// replanner is the part of the coordinator the goal watcher drives.
type replanner interface {
	Replan(ctx context.Context, tasks []*scheduler.Task) error
}

// watchGoal replans whenever the goal file changes. The parent directory is
// watched so editors that save by rename are still seen. Parse and planning
// errors are logged and the current plan is kept.
func watchGoal(ctx context.Context, path string, target replanner, logger *zap.Logger) {
	abs, err := filepath.Abs(path)
	if err != nil {
		logger.Warn("goal watcher disabled", zap.Error(err))
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("goal watcher disabled", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		logger.Warn("goal watcher disabled", zap.String("path", abs), zap.Error(err))
		return
	}
	logger.Info("watching goal file", zap.String("path", abs))

	runWatcher(ctx, watcher.Events, watcher.Errors, abs, func() {
		replan(ctx, abs, target, logger)
	}, logger)
}

// runWatcher calls onChange once per debounced burst of writes to path.
func runWatcher(ctx context.Context, evs <-chan fsnotify.Event, errs <-chan error, path string, onChange func(), logger *zap.Logger) {
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-evs:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(watchDebounce)

		case <-timer.C:
			onChange()

		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Warn("goal watcher error", zap.Error(err))
		}
	}
}

func replan(ctx context.Context, path string, target replanner, logger *zap.Logger) {
	goal, err := plan.Load(path)
	if err != nil {
		logger.Warn("changed goal file rejected", zap.Error(err))
		return
	}
	if err := target.Replan(ctx, goal.SchedulerTasks()); err != nil {
		logger.Warn("replan failed, keeping current plan", zap.Error(err))
		return
	}
	logger.Info("replanned from goal file", zap.Int("tasks", len(goal.Tasks)))
}
