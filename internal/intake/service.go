// Package intake is the boundary where jobs enter and leave the system:
// submitters create, edit and cancel jobs here, and every change is handed to
// the scheduler through the two triggers OnJobCreated and
// OnJobPriorityOrStatusChanged. ListJobs is the read-only query surface.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Scheduler is the subset of *scheduler.Scheduler the triggers drive.
type Scheduler interface {
	Submit(ctx context.Context, j job.Job) error
	Reload(ctx context.Context, scope job.Scope) error
	Kick(ctx context.Context)
	Cancel(id int64) bool
}

type Config struct {
	DefaultPageSize int
	MaxPageSize     int
}

type Service struct {
	cfg   Config
	store storage.Store
	sched Scheduler
	log   logx.Logger
}

// New builds the intake service. sched may be nil for offline use (CLI
// submit into a store a daemon picks up later); triggers are then no-ops.
func New(cfg Config, st storage.Store, sched Scheduler, log logx.Logger) *Service {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = MaxPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: st, sched: sched, log: log.With(logx.String("comp", "intake"))}
}

// Create validates d, persists a PENDING job and fires OnJobCreated.
// A trigger failure is logged, not returned: the job is stored and the next
// reconcile picks it up.
func (s *Service) Create(ctx context.Context, d job.Draft) (job.Job, error) {
	j, err := d.Build()
	if err != nil {
		return job.Job{}, err
	}
	j, err = s.store.Create(ctx, j)
	if err != nil {
		return job.Job{}, err
	}
	s.log.Info("job created", logx.Int64("job_id", j.ID), logx.String("owner", j.Owner), logx.String("priority", string(j.Priority)))
	if err := s.OnJobCreated(ctx, j); err != nil {
		s.log.Warn("job created but not submitted", logx.Int64("job_id", j.ID), logx.Err(err))
	}
	return j, nil
}

// Edit is a submitter change to a PENDING job. Nil fields stay as they are.
type Edit struct {
	Name          *string
	Priority      *string
	Deadline      *time.Time
	ClearDeadline bool
}

// Update applies e to a PENDING job and fires OnJobPriorityOrStatusChanged.
// Jobs that already started fail with a *job.StaleError.
func (s *Service) Update(ctx context.Context, id int64, e Edit) (job.Job, error) {
	u := job.Update{IfStatus: job.StatusPtr(job.StatusPending), Deadline: e.Deadline, ClearDeadline: e.ClearDeadline}
	if e.Name != nil {
		u.Name = job.StringPtr(strings.TrimSpace(*e.Name))
	}
	if e.Priority != nil {
		p, ok := job.ParsePriority(*e.Priority)
		if !ok {
			return job.Job{}, &job.ValidationError{Fields: []job.FieldError{{Field: "priority", Message: "must be one of HIGH, MEDIUM, LOW"}}}
		}
		u.Priority = &p
	}

	// Validate the would-be record before writing it.
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	candidate, err := u.Apply(cur)
	if err != nil {
		return job.Job{}, err
	}
	if err := job.Validate(candidate); err != nil {
		return job.Job{}, err
	}

	updated, err := s.store.Update(ctx, id, u)
	if err != nil {
		return job.Job{}, err
	}
	s.log.Info("job updated", logx.Int64("job_id", id), logx.String("priority", string(updated.Priority)))
	if err := s.OnJobPriorityOrStatusChanged(ctx, updated); err != nil {
		s.log.Warn("job updated but not resubmitted", logx.Int64("job_id", id), logx.Err(err))
	}
	return updated, nil
}

// Cancel fails a PENDING job right away (PENDING->FAILED) and drops it from
// the queue. A RUNNING job has its hook cancelled; the worker records the
// FAILED outcome. Terminal jobs return *job.InvalidTransitionError.
func (s *Service) Cancel(ctx context.Context, id int64) (job.Job, error) {
	now := time.Now()
	cancelled, err := s.store.Update(ctx, id, job.Update{
		IfStatus: job.StatusPtr(job.StatusPending),
		Status:   job.StatusPtr(job.StatusFailed),
		EndTime:  &now,
		Error:    job.StringPtr("cancelled"),
	})
	var stale *job.StaleError
	switch {
	case err == nil:
		s.log.Info("pending job cancelled", logx.Int64("job_id", id))
		if err := s.OnJobPriorityOrStatusChanged(ctx, cancelled); err != nil {
			s.log.Warn("cancel not propagated", logx.Int64("job_id", id), logx.Err(err))
		}
		return cancelled, nil
	case errors.As(err, &stale) && stale.Actual == job.StatusRunning:
		if s.sched == nil || !s.sched.Cancel(id) {
			// Running in another process; nothing to signal from here.
			return job.Job{}, &job.InvalidTransitionError{ID: id, From: job.StatusRunning, To: job.StatusFailed}
		}
		s.log.Info("running job cancel requested", logx.Int64("job_id", id))
		return s.store.Get(ctx, id)
	case errors.As(err, &stale):
		return job.Job{}, &job.InvalidTransitionError{ID: id, From: stale.Actual, To: job.StatusFailed}
	default:
		return job.Job{}, err
	}
}

func (s *Service) Get(ctx context.Context, id int64) (job.Job, error) {
	return s.store.Get(ctx, id)
}

// Page is one ListJobs result.
type Page struct {
	Jobs     []job.Job `json:"jobs"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// Pages is the number of pages needed for Total.
func (p Page) Pages() int {
	if p.PageSize <= 0 || p.Total == 0 {
		return 1
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// ListJobs returns one page of owner's jobs (every owner when empty),
// optionally filtered by status, ordered by id. It has no side effects.
func (s *Service) ListJobs(ctx context.Context, owner string, status *job.Status, page, pageSize int) (Page, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = s.cfg.DefaultPageSize
	case pageSize > s.cfg.MaxPageSize:
		pageSize = s.cfg.MaxPageSize
	}
	jobs, total, err := s.store.List(ctx, job.Query{Owner: strings.TrimSpace(owner), Status: status, Page: page, PageSize: pageSize})
	if err != nil {
		return Page{}, err
	}
	return Page{Jobs: jobs, Total: total, Page: page, PageSize: pageSize}, nil
}

// OnJobCreated hands a freshly stored job to the scheduler.
func (s *Service) OnJobCreated(ctx context.Context, j job.Job) error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Submit(ctx, j)
}

// OnJobPriorityOrStatusChanged re-syncs the scheduler with j. A PENDING job
// is resubmitted, replacing its queued copy so the new priority or deadline
// takes effect. Any other status reloads the owner's scope, which drops a
// queue entry that is no longer PENDING.
func (s *Service) OnJobPriorityOrStatusChanged(ctx context.Context, j job.Job) error {
	if s.sched == nil {
		return nil
	}
	if j.Status == job.StatusPending {
		return s.sched.Submit(ctx, j)
	}
	if err := s.sched.Reload(ctx, job.Scope{Owner: j.Owner}); err != nil {
		return err
	}
	s.sched.Kick(ctx)
	return nil
}
