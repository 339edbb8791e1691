package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// runControl is what signal handling drives.
type runControl interface {
	Pause() error
	Resume() error
	Abort() error
}

// handleSignals maps process signals onto run control until ctx is done.
// The first SIGINT or SIGTERM aborts the run; a second one cancels ctx so
// a stuck shutdown still exits.
func handleSignals(ctx context.Context, ctl runControl, cancel context.CancelFunc, logger *zap.Logger) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	dispatchSignals(ctx, sigs, ctl, cancel, logger)
}

func dispatchSignals(ctx context.Context, sigs <-chan os.Signal, ctl runControl, cancel context.CancelFunc, logger *zap.Logger) {
	aborting := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			logger.Info("signal received", zap.String("signal", sig.String()))

			var err error
			switch sig {
			case syscall.SIGUSR1:
				err = ctl.Pause()
			case syscall.SIGUSR2:
				err = ctl.Resume()
			default:
				if aborting {
					logger.Warn("second interrupt, forcing shutdown")
					cancel()
					return
				}
				aborting = true
				err = ctl.Abort()
			}
			if err != nil {
				logger.Warn("signal ignored", zap.String("signal", sig.String()), zap.Error(err))
			}
		}
	}
}
