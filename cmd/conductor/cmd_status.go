package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/qa"
)

// newStatusCmd creates the "conductor status" subcommand.
func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of the last run",
		Long:  "Reads the state database and prints the run state, every task with its\nstatus and iteration count, QA outcome totals and open escalations.",
		Args:  cobra.NoArgs,
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

			return printStatus(cmd, store)
		},
	}
}

func printStatus(cmd *cobra.Command, store persistence.Store) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	rs, err := store.LoadRunState(ctx)
	if err != nil {
		return err
	}
	if rs == nil {
		fmt.Fprintln(out, "no run recorded")
		return nil
	}
	fmt.Fprintf(out, "run %s: %s (wave %d, updated %s)\n", rs.Goal, rs.State, rs.ActiveWave+1, rs.UpdatedAt.Format(time.RFC3339))

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nTASK\tWAVE\tSTATUS\tITERATIONS\tREASON")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", t.ID, t.Wave+1, t.Status, t.Iteration, t.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	outcomes, err := store.OutcomeCounts(ctx)
	if err != nil {
		return err
	}
	if len(outcomes) > 0 {
		names := make([]string, 0, len(outcomes))
		for outcome := range outcomes {
			names = append(names, string(outcome))
		}
		sort.Strings(names)
		fmt.Fprint(out, "\niterations:")
		for _, name := range names {
			fmt.Fprintf(out, " %s=%d", name, outcomes[qa.Outcome(name)])
		}
		fmt.Fprintln(out)
	}

	escalations, err := store.ListEscalations(ctx)
	if err != nil {
		return err
	}
	printEscalations(out, escalations)
	return nil
}

func printEscalations(w io.Writer, escalations []*persistence.Escalation) {
	if len(escalations) == 0 {
		return
	}
	fmt.Fprintln(w, "\nneeds attention:")
	for _, e := range escalations {
		fmt.Fprintf(w, "  %s (%s after %d iterations)\n", e.TaskID, e.Reason, e.Iterations)
		if e.Summary != "" {
			fmt.Fprintf(w, "    %s\n", e.Summary)
		}
		if e.Worktree != "" {
			fmt.Fprintf(w, "    worktree: %s\n", e.Worktree)
		}
	}
}
