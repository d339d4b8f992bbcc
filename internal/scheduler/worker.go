package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

// run owns one slot for its whole lifetime:
//
//	claim (PENDING->RUNNING, StartTime) -> hook -> COMPLETED|FAILED (EndTime)
//
// The slot is released through OnWorkerDone exactly once, whatever happens.
func (s *Scheduler) run(j job.Job, sl *slot) {
	defer s.OnWorkerDone(j.ID)

	log := s.log.With(logx.Int64("job_id", j.ID), logx.String("run_id", sl.runID))

	// Shut down between reservation and start: leave the job PENDING.
	if sl.ctx.Err() != nil {
		return
	}

	start := time.Now()
	claimed, err := s.persist(sl.ctx, j.ID, job.Update{
		IfStatus:  job.StatusPtr(job.StatusPending),
		Status:    job.StatusPtr(job.StatusRunning),
		StartTime: &start,
	})
	switch {
	case errors.Is(err, job.ErrStale), errors.Is(err, storage.ErrNotFound):
		s.metrics.Discarded()
		s.publish(eventbus.JobDiscarded, eventOf(j, sl.runID))
		log.Debug("job no longer pending, not started", logx.Err(err))
		return
	case err != nil:
		log.Error("job start not persisted", logx.Err(err))
		s.markFailed(sl.ctx, j, nil, start, fmt.Errorf("start not persisted: %w", err), log)
		return
	}

	s.metrics.Dispatched(string(claimed.Priority))
	s.publish(eventbus.JobRunning, eventOf(claimed, sl.runID))
	log.Info("job started", logx.String("name", claimed.Name), logx.String("priority", string(claimed.Priority)))

	runErr := s.execute(sl.ctx, claimed)
	// Derived from start's monotonic reading so EndTime never precedes StartTime.
	end := start.Add(time.Since(start))
	took := end.Sub(start)

	if runErr != nil {
		execErr := &ExecutionError{ID: j.ID, Err: runErr}
		s.finish(sl, claimed, job.StatusFailed, end, runErr.Error(), log)
		log.Warn("job failed", logx.Duration("took", took), logx.Err(execErr))
		return
	}
	s.finish(sl, claimed, job.StatusCompleted, end, "", log)
	log.Info("job completed", logx.Duration("took", took))
}

// execute runs the hook, converting a panic into an error so one bad job
// can't take a worker slot down with it.
func (s *Scheduler) execute(ctx context.Context, j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job.panic", logx.Int64("job_id", j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	err = s.hook.Run(ctx, j)
	if err != nil && ctx.Err() != nil {
		// Report why the context ended (cancelled vs shutdown), not just
		// "context canceled".
		if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
			err = cause
		}
	}
	return err
}

func (s *Scheduler) finish(sl *slot, j job.Job, to job.Status, end time.Time, reason string, log logx.Logger) {
	u := job.Update{
		IfStatus: job.StatusPtr(job.StatusRunning),
		Status:   job.StatusPtr(to),
		EndTime:  &end,
	}
	if reason != "" {
		u.Error = job.StringPtr(reason)
	}
	done, err := s.persist(sl.ctx, j.ID, u)
	if err != nil {
		log.Error("job outcome not persisted", logx.String("status", string(to)), logx.Err(err))
		s.markFailed(sl.ctx, j, job.StatusPtr(job.StatusRunning), end, fmt.Errorf("completion not persisted: %w", err), log)
		return
	}
	s.metrics.Finished(string(to), done.ExecutionTime())

	ev := eventOf(done, sl.runID)
	ev.Took = done.ExecutionTime()
	typ := eventbus.JobCompleted
	if to == job.StatusFailed {
		typ = eventbus.JobFailed
	}
	s.publish(typ, ev)
}

// markFailed is the fallback when a start or outcome write fails. After a
// failed start the record may be PENDING or RUNNING, so callers pass a nil
// precondition; after a failed outcome write it must still be RUNNING.
// Terminal records are never overwritten.
func (s *Scheduler) markFailed(ctx context.Context, j job.Job, ifStatus *job.Status, at time.Time, cause error, log logx.Logger) {
	u := job.Update{
		IfStatus: ifStatus,
		Status:   job.StatusPtr(job.StatusFailed),
		EndTime:  &at,
		Error:    job.StringPtr(cause.Error()),
	}
	if _, err := s.persist(ctx, j.ID, u); err != nil {
		s.warnLog.Warn("mark failed not persisted", logx.Int64("job_id", j.ID), logx.Err(err))
		return
	}
	s.metrics.Finished(string(job.StatusFailed), 0)
	ev := eventOf(j, "")
	ev.Error = cause.Error()
	s.publish(eventbus.JobFailed, ev)
	log.Debug("job marked failed", logx.Err(cause))
}

// persist writes with a bounded timeout that outlives the worker's own
// cancellation, so a cancelled job still records its outcome.
func (s *Scheduler) persist(ctx context.Context, id int64, u job.Update) (job.Job, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	return s.store.Update(pctx, id, u)
}
