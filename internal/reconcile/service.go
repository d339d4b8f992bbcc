// Package reconcile periodically re-syncs the scheduler with the store: it
// rebuilds the queue from PENDING jobs and fills free slots. This picks up
// jobs written by other processes (CLI submit, a second daemon on a shared
// store) and heals any queue drift.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

const DefaultSchedule = "@every 30s"

// Target is what a reconcile pass drives; *scheduler.Scheduler implements it.
type Target interface {
	Reload(ctx context.Context, scope job.Scope) error
	Kick(ctx context.Context)
}

type Config struct {
	Enabled  bool
	Schedule string
	// Timeout bounds a single pass. 0 means 30s.
	Timeout time.Duration
}

// Status is a point-in-time view for health output.
type Status struct {
	Enabled  bool      `json:"enabled"`
	Schedule string    `json:"schedule"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_err,omitempty"`
	Next     time.Time `json:"next"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	target Target

	parser  cron.Parser
	c       *cron.Cron
	entryID cron.EntryID
	spec    string
	ctx     context.Context

	runs     uint64
	failures uint64
	lastRun  time.Time
	lastErr  string
}

func New(cfg Config, target Target, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		target: target,
		log:    log.With(logx.String("comp", "reconcile")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether schedule parses, without touching the service.
func (s *Service) Validate(schedule string) error {
	_, err := s.normalize(schedule)
	return err
}

func (s *Service) normalize(schedule string) (string, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", err
	}
	return spec, nil
}

// Start begins periodic passes when enabled. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec, err := s.normalize(s.cfg.Schedule)
	if err != nil {
		return err
	}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	ctx := s.ctx
	id, err := c.AddFunc(spec, func() {
		_ = s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	s.c, s.entryID, s.spec = c, id, spec
	s.log.Info("reconcile started", logx.String("schedule", spec))
	return nil
}

// Stop halts periodic passes and waits for a running pass, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("reconcile stopped")
}

// Apply swaps config at runtime, restarting the cron when the schedule or
// the enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	started := s.ctx != nil
	c := s.c
	s.mu.Unlock()

	if !started || (prev.Enabled == cfg.Enabled && prev.Schedule == cfg.Schedule && c != nil) {
		return nil
	}
	if c != nil {
		s.Stop(context.Background())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

// RunOnce performs one pass: reload every owner's PENDING jobs, then fill
// free slots.
func (s *Service) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.target.Reload(ctx, job.Scope{})
	if err == nil {
		s.target.Kick(ctx)
	}

	s.mu.Lock()
	s.runs++
	s.lastRun = start
	s.lastErr = ""
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("reconcile pass failed", logx.Err(err))
		return err
	}
	s.log.Debug("reconcile pass", logx.Duration("took", time.Since(start)))
	return err
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Enabled:  s.cfg.Enabled,
		Schedule: s.spec,
		Runs:     s.runs,
		Failures: s.failures,
		LastRun:  s.lastRun,
		LastErr:  s.lastErr,
	}
	if s.c != nil {
		st.Next = s.c.Entry(s.entryID).Next
	}
	return st
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kv(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kv(keysAndValues), logx.Err(err))...)
}

func kv(pairs []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, pairs[i+1]))
	}
	return out
}
