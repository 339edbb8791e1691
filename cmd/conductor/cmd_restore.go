package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/logging"
)

// newRestoreCmd creates the "conductor restore" subcommand.
func newRestoreCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Roll back to a checkpoint and continue the run",
		Long: "Verifies the checkpoint, resets the integration branch to its commit,\n" +
			"requeues every task that was in flight and runs the rest of the plan.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer logging.Sync(logger) //nolint:errcheck

			if opts.metricsAddr == "" {
				opts.metricsAddr = cfg.Metrics.Addr
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return execute(cmd.Context(), a, opts, cmd.OutOrStdout(), func(ctx context.Context) error {
				return a.coord.Restore(ctx, args[0])
			})
		},
	}
	opts.bind(cmd)
	return cmd
}
