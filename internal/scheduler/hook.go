package scheduler

import (
	"context"
	"time"

	"jobsched/internal/job"
)

// Hook performs the work of one job. A non-nil error (or a panic) marks the
// job FAILED. ctx is cancelled when the job is cancelled or the scheduler
// shuts down.
type Hook interface {
	Run(ctx context.Context, j job.Job) error
}

type HookFunc func(ctx context.Context, j job.Job) error

func (f HookFunc) Run(ctx context.Context, j job.Job) error { return f(ctx, j) }

// SleepHook simulates work by waiting for the job's estimated duration.
type SleepHook struct {
	Unit time.Duration
}

func (h SleepHook) Run(ctx context.Context, j job.Job) error {
	d := j.EstimatedDuration(h.Unit)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
