package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root conductor command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Run a goal as parallel agent tasks in isolated git worktrees",
		Long:          "conductor resolves a goal file into dependency waves, runs each task\nthrough a worker and its quality gates, and merges the results.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.ProjectPath(), "project config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log.level")
	pf.StringVar(&flags.logFormat, "log-format", "", "override log.format (console or json)")

	cmd.AddCommand(
		newPlanCmd(flags),
		newRunCmd(flags),
		newStatusCmd(flags),
		newCheckpointsCmd(flags),
		newRestoreCmd(flags),
		newSweepCmd(flags),
	)
	return cmd
}

// load reads configuration and builds the logger.
func (f *globalFlags) load() (*config.Config, *zap.Logger, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(globalPath, f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
