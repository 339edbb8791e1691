package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/coordinator"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/plan"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/tui"
)

// errIncomplete is returned when a run finished with tasks left for a human.
var errIncomplete = errors.New("run finished with tasks that need attention")

// runOptions are the flags shared by run and restore.
type runOptions struct {
	watch       string // goal file to watch for replanning
	dashboard   bool
	metricsAddr string
}

func (o *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.dashboard, "tui", false, "show the interactive dashboard (ignored when stdout is not a terminal)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
}

// newRunCmd creates the "conductor run" subcommand.
func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	var watch bool

	cmd := &cobra.Command{
		Use:   "run <goal-file>",
		Short: "Plan and execute a goal",
		Long: "Resolves the goal into waves and runs every task to completion or escalation.\n" +
			"SIGINT or SIGTERM aborts the run, SIGUSR1 pauses it and SIGUSR2 resumes it.",
		Args: cobra.ExactArgs(1),
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
			if watch {
				opts.watch = args[0]
			}
			if opts.metricsAddr == "" {
				opts.metricsAddr = cfg.Metrics.Addr
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return execute(cmd.Context(), a, opts, cmd.OutOrStdout(), func(ctx context.Context) error {
				return a.coord.Start(ctx, *goal)
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "replan when the goal file changes")
	return cmd
}

// execute runs the coordinator with the process-level extras: signals,
// checkpoints, metrics, the goal watcher and the dashboard. begin puts the
// coordinator into Executing.
func execute(parent context.Context, a *app, opts *runOptions, out io.Writer, begin func(context.Context) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var program *tea.Program
	if opts.dashboard {
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			program = tea.NewProgram(tui.New(a.bus, a.coord), tea.WithAltScreen(), tea.WithContext(ctx))
		} else {
			a.logger.Info("stdout is not a terminal, dashboard disabled")
		}
	}

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(ctx, a, opts.metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := begin(ctx); err != nil {
		return err
	}

	go a.checkpoints.Run(ctx)
	go handleSignals(ctx, a.coord, cancel, a.logger)
	if opts.watch != "" {
		go watchGoal(ctx, opts.watch, a.coord, a.logger)
	}

	tuiDone := make(chan error, 1)
	if program != nil {
		go func() {
			_, err := program.Run()
			tuiDone <- err
			// Leaving the dashboard ends the run.
			if abortErr := a.coord.Abort(); abortErr != nil && !errors.Is(abortErr, coordinator.ErrInvalidState) {
				a.logger.Warn("abort after dashboard exit failed", zap.Error(abortErr))
			}
		}()
	}

	runErr := a.coord.Run(ctx)

	if program != nil {
		program.Quit()
		select {
		case err := <-tuiDone:
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				a.logger.Warn("dashboard exited with error", zap.Error(err))
			}
		case <-time.After(10 * time.Second):
			a.logger.Warn("dashboard did not exit in time")
		}
	}

	st := a.coord.Status()
	printSummary(out, st)

	if runErr != nil {
		return runErr
	}
	if st.State == coordinator.StateEscalated {
		return errIncomplete
	}
	return nil
}

// serveMetrics registers a collector fed from the bus and serves it over
// HTTP until the returned stop function is called.
func serveMetrics(ctx context.Context, a *app, addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	go collector.Run(ctx, a.bus)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("serve metrics on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	a.logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}, nil
}

func printSummary(w io.Writer, st coordinator.Status) {
	fmt.Fprintf(w, "run %s: %d completed, %d failed, %d skipped, %d escalated of %d tasks\n",
		st.State,
		st.Counts[scheduler.TaskCompleted],
		st.Counts[scheduler.TaskFailed],
		st.Counts[scheduler.TaskSkipped],
		st.Counts[scheduler.TaskEscalated],
		len(st.Tasks))

	ids := make([]string, 0, len(st.Escalated))
	for id := range st.Escalated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  escalated %s: %s\n", id, st.Escalated[id])
	}
	for _, t := range st.Tasks {
		if t.Status == scheduler.TaskFailed {
			fmt.Fprintf(w, "  failed %s: %s\n", t.ID, t.Reason)
		}
	}
}
