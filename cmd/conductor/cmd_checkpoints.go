package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
)

// newCheckpointsCmd creates the "conductor checkpoints" subcommand.
func newCheckpointsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints, newest first",
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

			cps, err := store.ListCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			return printCheckpoints(cmd.OutOrStdout(), cps)
		},
	}
}

func printCheckpoints(w io.Writer, cps []*checkpoint.Checkpoint) error {
	if len(cps) == 0 {
		fmt.Fprintln(w, "no checkpoints")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTRIGGER\tREASON\tCOMMIT\tPENDING\tCOMPLETED")
	for _, cp := range cps {
		ref := cp.GitRef
		if len(ref) > 12 {
			ref = ref[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			cp.ID, cp.CreatedAt.Format(time.RFC3339), cp.Trigger, cp.Reason, ref, cp.Pending, cp.Completed)
	}
	return tw.Flush()
}
