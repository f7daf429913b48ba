package kube

import (
	"context"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/punctual/internal/workflow"
)

// Dispatcher invokes the target of a workflow's Invoke node
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, params workflow.Parameters) error
}

// WaitAndDispatch runs inside the job pod. It sleeps until the definition's
// wait timestamp and then dispatches to its target. The remaining wait is
// always derived from the absolute timestamp so a rescheduled pod picks up
// where the previous one left off.
func WaitAndDispatch(ctx context.Context, def *workflow.Definition, dispatcher Dispatcher, now func() time.Time, logger *slog.Logger) error {
	wait := def.WakeAt().Sub(now())
	logger = logger.With("target", def.Target(), "wakeAt", def.WakeAt(), "runAt", def.RunAt())

	if wait > 0 {
		logger.Info("waiting for wake time", "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("wait aborted", "error", ctx.Err())
			return ctx.Err()
		}
	} else {
		logger.Warn("wake time already passed", "late", -wait)
	}

	if err := dispatcher.Dispatch(ctx, def.Target(), def.Parameters()); err != nil {
		logger.Error("dispatch failed", "error", err)
		return err
	}

	logger.Info("dispatched")
	return nil
}
