// Package scheduler dispatches PENDING jobs onto a bounded set of worker
// slots in priority order.
//
// One mutex guards the active count, the queue and the set of ids holding a
// slot, so admission decisions are race-free. Store calls and hook runs never
// happen under it. The store stays the source of truth: the queue is a cache
// rebuilt by Reload, and every dispatch re-checks the stored status.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/metrics"
	"jobsched/internal/queue"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	q       *queue.Queue
	active  int
	running map[int64]*slot
	closed  bool

	store   storage.Store
	hook    Hook
	log     logx.Logger
	warnLog logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Registry

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup
}

// slot is a reserved worker position. It exists from reservation until
// release, including the short window where a popped job is re-validated.
type slot struct {
	id     int64
	runID  string
	since  time.Time
	name   string
	prio   job.Priority
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Option func(*Scheduler)

// WithHook replaces the default SleepHook.
func WithHook(h Hook) Option {
	return func(s *Scheduler) {
		if h != nil {
			s.hook = h
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(cfg Config, st storage.Store, log logx.Logger, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		q:          queue.New(),
		running:    map[int64]*slot{},
		store:      st,
		log:        log,
		warnLog:    log.Sampled(logx.NewSampler(1, 5)),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	s.hook = SleepHook{Unit: cfg.DurationUnit}
	for _, o := range opts {
		o(s)
	}
	s.metrics.Occupancy(0, cfg.MaxWorkers, 0)
	return s
}

// Submit admits a PENDING job: it takes a free slot right away or waits in
// the queue. Submitting a job that is already queued replaces the queued
// copy (picking up priority or deadline changes); submitting a job that
// holds a slot is a no-op.
func (s *Scheduler) Submit(ctx context.Context, j job.Job) error {
	if j.Status != job.StatusPending {
		s.log.Debug("submit ignored: not pending", logx.Int64("job_id", j.ID), logx.String("status", string(j.Status)))
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.running[j.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.metrics.Submitted(string(j.Priority))

	// Fast path: nothing waiting ahead of it.
	if s.active < s.cfg.MaxWorkers && s.q.Len() == 0 {
		sl := s.reserveLocked(j)
		s.publishOccupancyLocked()
		s.mu.Unlock()
		s.dispatch(j, sl)
		return nil
	}

	s.q.Push(j)
	free := s.active < s.cfg.MaxWorkers
	s.publishOccupancyLocked()
	s.mu.Unlock()

	s.publish(eventbus.JobQueued, eventOf(j, ""))
	s.log.Debug("job queued", logx.Int64("job_id", j.ID), logx.String("priority", string(j.Priority)))
	if free {
		s.drain(ctx)
	}
	return nil
}

// Reload rebuilds the queued entries for scope from the store's PENDING
// jobs. Jobs holding a slot are never re-queued. It does not dispatch; call
// Kick afterwards.
func (s *Scheduler) Reload(ctx context.Context, scope job.Scope) error {
	pending, err := s.store.QueryPending(ctx, scope)
	s.metrics.Reloaded(err)
	if err != nil {
		s.warnLog.Warn("reload failed", logx.String("scope", scope.String()), logx.Err(err))
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	removed := s.q.RemoveIf(scope.Match)
	added := 0
	for _, j := range pending {
		if _, ok := s.running[j.ID]; ok || !scope.Match(j) {
			continue
		}
		if s.q.Push(j) {
			added++
		}
	}
	s.publishOccupancyLocked()
	s.mu.Unlock()

	s.log.Debug("queue reloaded", logx.String("scope", scope.String()), logx.Int("removed", removed), logx.Int("queued", added))
	return nil
}

// Kick fills free slots from the queue.
func (s *Scheduler) Kick(ctx context.Context) { s.drain(ctx) }

// OnWorkerDone releases id's slot and dispatches the next queued jobs.
// Workers call it exactly once when they finish; calls for ids that hold no
// slot are ignored.
func (s *Scheduler) OnWorkerDone(id int64) {
	s.mu.Lock()
	ok := s.releaseLocked(id)
	s.mu.Unlock()
	if !ok {
		s.log.Debug("worker done for unknown slot", logx.Int64("job_id", id))
		return
	}
	s.drain(s.baseCtx)
}

// drain pops and dispatches until slots or queue run out. Each popped job is
// re-read from the store; one that is no longer PENDING is discarded and its
// reserved slot released without running anything.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.closed || s.active >= s.cfg.MaxWorkers || s.q.Len() == 0 {
			s.publishOccupancyLocked()
			s.mu.Unlock()
			return
		}
		queued, _ := s.q.PopHighest()
		if _, ok := s.running[queued.ID]; ok {
			s.mu.Unlock()
			continue
		}
		sl := s.reserveLocked(queued)
		s.mu.Unlock()

		cur, err := s.store.Get(ctx, queued.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.discard(queued, "deleted")
			continue
		case err != nil:
			// Put it back and stop; the next Kick or reconcile retries.
			s.mu.Lock()
			s.releaseLocked(queued.ID)
			if !s.closed {
				s.q.Push(queued)
			}
			s.mu.Unlock()
			s.warnLog.Warn("dispatch re-check failed", logx.Int64("job_id", queued.ID), logx.Err(err))
			return
		case cur.Status != job.StatusPending:
			s.discard(cur, "status "+string(cur.Status))
			continue
		}
		s.dispatch(cur, sl)
	}
}

// Cancel stops a job: a running job's context is cancelled (the worker then
// records it FAILED), a queued job is dropped from the queue. It reports
// whether the scheduler knew the id. The stored status of a queued job is
// the caller's business.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	if sl, ok := s.running[id]; ok {
		s.mu.Unlock()
		sl.cancel(ErrCancelled)
		s.log.Info("job cancel requested", logx.Int64("job_id", id), logx.String("run_id", sl.runID))
		return true
	}
	removed := s.q.Remove(id)
	s.publishOccupancyLocked()
	s.mu.Unlock()
	if removed {
		s.publish(eventbus.JobCancelled, JobEvent{ID: id})
	}
	return removed
}

// SetMaxWorkers changes the slot limit at runtime. Lowering it never
// preempts running jobs; raising it dispatches immediately.
func (s *Scheduler) SetMaxWorkers(n int) {
	if n <= 0 {
		n = DefaultMaxWorkers
	}
	s.mu.Lock()
	prev := s.cfg.MaxWorkers
	s.cfg.MaxWorkers = n
	s.publishOccupancyLocked()
	s.mu.Unlock()
	if n != prev {
		s.log.Info("max workers changed", logx.Int("from", prev), logx.Int("to", n))
	}
	if n > prev {
		s.drain(s.baseCtx)
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Active:     s.active,
		MaxWorkers: s.cfg.MaxWorkers,
		Running:    make([]RunningJob, 0, len(s.running)),
		Queued:     s.q.Snapshot(),
	}
	for _, sl := range s.running {
		snap.Running = append(snap.Running, RunningJob{ID: sl.id, Name: sl.name, Priority: sl.prio, RunID: sl.runID, Since: sl.since})
	}
	return snap
}

// Recover marks jobs left RUNNING by a previous process FAILED. Call it
// before the first Reload. Jobs holding a slot in this process are skipped.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	st := job.StatusRunning
	stuck, _, err := s.store.List(ctx, job.Query{Status: &st})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range stuck {
		s.mu.Lock()
		_, mine := s.running[j.ID]
		s.mu.Unlock()
		if mine {
			continue
		}
		end := time.Now()
		if j.StartTime != nil && end.Before(*j.StartTime) {
			end = *j.StartTime
		}
		_, err := s.store.Update(ctx, j.ID, job.Update{
			IfStatus: job.StatusPtr(job.StatusRunning),
			Status:   job.StatusPtr(job.StatusFailed),
			EndTime:  &end,
			Error:    job.StringPtr(ErrInterrupted.Error()),
		})
		if errors.Is(err, job.ErrStale) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		s.log.Warn("recovered interrupted job", logx.Int64("job_id", j.ID), logx.String("name", j.Name))
	}
	return n, nil
}

// Close stops admitting work, cancels running hooks and waits for workers
// to record their outcome.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.wait(ctx)
	}
	s.closed = true
	queued := s.q.Len()
	s.q.Clear()
	s.publishOccupancyLocked()
	s.mu.Unlock()

	s.log.Info("scheduler stopping", logx.Int("dropped_queued", queued))
	s.baseCancel(ErrInterrupted)
	return s.wait(ctx)
}

func (s *Scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) reserveLocked(j job.Job) *slot {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	sl := &slot{
		id:     j.ID,
		runID:  uuid.NewString(),
		since:  time.Now(),
		name:   j.Name,
		prio:   j.Priority,
		ctx:    ctx,
		cancel: cancel,
	}
	s.active++
	s.running[j.ID] = sl
	s.wg.Add(1)
	return sl
}

func (s *Scheduler) releaseLocked(id int64) bool {
	sl, ok := s.running[id]
	if !ok {
		return false
	}
	sl.cancel(nil)
	delete(s.running, id)
	s.active--
	s.wg.Done()
	return true
}

func (s *Scheduler) discard(j job.Job, reason string) {
	s.mu.Lock()
	s.releaseLocked(j.ID)
	s.mu.Unlock()
	s.metrics.Discarded()
	s.publish(eventbus.JobDiscarded, eventOf(j, ""))
	s.log.Debug("stale queue entry discarded", logx.Int64("job_id", j.ID), logx.String("reason", reason))
}

func (s *Scheduler) dispatch(j job.Job, sl *slot) {
	go s.run(j, sl)
}

func (s *Scheduler) publishOccupancyLocked() {
	s.metrics.Occupancy(s.active, s.cfg.MaxWorkers, s.q.Len())
}

func (s *Scheduler) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
