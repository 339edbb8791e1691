package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/plan"
	"github.com/aristath/conductor/internal/scheduler"
)

// newPlanCmd creates the "conductor plan" subcommand.
func newPlanCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <goal-file>",
		Short: "Resolve a goal into waves without running it",
		Long:  "Validates the goal's dependency graph and prints the waves it would run in.\nEvery missing dependency, cycle and oversized estimate is reported at once.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logging.Sync(logger) //nolint:errcheck

			goal, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			resolved, err := scheduler.NewResolver(goal.SchedulerTasks(), scheduler.ResolverOptions{
				MaxTaskMinutes: cfg.Planning.MaxTaskMinutes,
			}).Resolve()
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), goal.Name, resolved)
			return nil
		},
	}
}

func printPlan(w io.Writer, name string, p *scheduler.Plan) {
	fmt.Fprintf(w, "%s: %d tasks in %d waves\n", name, len(p.Tasks), len(p.Waves))
	for _, wave := range p.Waves {
		fmt.Fprintf(w, "\nwave %d\n", wave.Index+1)
		for _, id := range wave.TaskIDs {
			t := p.Task(id)
			line := "  " + id
			if t.Role != "" {
				line += " [" + t.Role + "]"
			}
			if len(t.DependsOn) > 0 {
				line += " after " + strings.Join(t.DependsOn, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}
}
