package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/worktree"
)

// newSweepCmd creates the "conductor sweep" subcommand.
func newSweepCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove worktrees of finished tasks",
		Long: "Deletes the worktree and branch of every completed, failed or skipped task.\n" +
			"Escalated tasks and tasks the state database does not know keep theirs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logging.Sync(logger) //nolint:errcheck

			store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			repoPath, err := filepath.Abs(cfg.Worktree.RepoPath)
			if err != nil {
				return err
			}
			mgr := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
				RepoPath:    repoPath,
				BaseBranch:  cfg.Worktree.BaseBranch,
				WorktreeDir: cfg.Worktree.Dir,
			}, logger)

			reclaimable, err := finishedTasks(cmd.Context(), store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				wts, err := mgr.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, wt := range wts {
					if reclaimable(wt.TaskID) {
						fmt.Fprintf(out, "would remove %s (%s)\n", wt.TaskID, wt.Path)
					}
				}
				return nil
			}

			removed, err := mgr.Sweep(cmd.Context(), reclaimable)
			for _, id := range removed {
				fmt.Fprintf(out, "removed %s\n", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d worktrees removed\n", len(removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}

// finishedTasks returns a predicate matching tasks whose worktree is no
// longer needed.
func finishedTasks(ctx context.Context, store persistence.Store) (func(string) bool, error) {
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		switch t.Status {
		case scheduler.TaskCompleted, scheduler.TaskFailed, scheduler.TaskSkipped:
			done[t.ID] = true
		}
	}
	return func(id string) bool { return done[id] }, nil
}
