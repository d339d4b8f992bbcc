package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/intake"
	"jobsched/internal/job"
	"jobsched/internal/metrics"
	"jobsched/internal/observability"
	"jobsched/internal/reconcile"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	metrics *metrics.Registry
	sched   *scheduler.Scheduler
	intake  *intake.Service
	recon   *reconcile.Service
	obs     *observability.Server
}

type options struct {
	hook scheduler.Hook
	log  logx.Logger
}

type Option func(*options)

// WithHook replaces the scheduler's default sleep hook.
func WithHook(h scheduler.Hook) Option { return func(o *options) { o.hook = h } }

// WithLogger skips the config-driven logging service and logs to log.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// New loads cfgPath and builds the app. The file is watched once Start runs.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return build(cfg, cfgm, opts...)
}

// NewFromConfig builds the app from an in-memory config; nothing is
// watched.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, nil, opts...)
}

func build(cfg *config.Config, cfgm *config.Manager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var logSvc *logx.Service
	log := o.log
	if log.IsZero() {
		logSvc, log = logx.New(cfg.Logging.Logx())
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	reconCfg, err := mapReconcileConfig(cfg)
	if err != nil {
		return nil, err
	}
	obsCfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", strings.TrimSpace(cfg.Storage.Driver)))

	bus := eventbus.New()
	reg := metrics.New()
	schedOpts := []scheduler.Option{scheduler.WithBus(bus), scheduler.WithMetrics(reg)}
	if o.hook != nil {
		schedOpts = append(schedOpts, scheduler.WithHook(o.hook))
	}
	sched := scheduler.New(schedCfg, st, log, schedOpts...)

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   st,
		metrics: reg,
		sched:   sched,
		intake:  intake.New(mapIntakeConfig(cfg), st, sched, log),
		recon:   reconcile.New(reconCfg, sched, log),
	}
	a.obs = observability.New(obsCfg, reg.Gatherer, a.health, log)
	return a, nil
}

func (a *App) Intake() *intake.Service { return a.intake }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Metrics() *metrics.Registry { return a.metrics }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Observability() *observability.Server { return a.obs }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers interrupted jobs, loads every PENDING job from the store,
// fills the worker slots and then starts the background services.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if a.cfg.Scheduler.RecoverOnStart {
		n, err := a.sched.Recover(runCtx)
		if err != nil {
			return fmt.Errorf("recover interrupted jobs: %w", err)
		}
		if n > 0 {
			a.log.Warn("failed jobs interrupted by a previous run", logx.Int("count", n))
		}
	}
	if err := a.sched.Reload(runCtx, job.Scope{}); err != nil {
		return fmt.Errorf("initial reload: %w", err)
	}
	a.sched.Kick(runCtx)

	if err := a.recon.Start(runCtx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := a.obs.Start(runCtx); err != nil {
		// Optional; keep scheduling.
		a.log.Warn("observability disabled", logx.Err(err))
	}

	a.startEventLog()
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log)
		a.cfgm.SetValidator(a.validate)
		a.startConfigReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}
	if every := watchdogInterval(a.log); every > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return watchdog(c, a.log, every, func() bool { return a.sup.Err() == nil })
		})
	}

	snap := a.sched.Snapshot()
	a.log.Info("app started",
		logx.Int("max_workers", snap.MaxWorkers),
		logx.Int("running", snap.Active),
		logx.Int("queued", len(snap.Queued)),
	)
	sdNotify(a.log, daemon.SdNotifyReady)
	return nil
}

// validate is the hot-reload gate: a config that would fail to map is
// rejected before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	rc, err := mapReconcileConfig(cfg)
	if err != nil {
		return err
	}
	if rc.Enabled {
		if err := a.recon.Validate(rc.Schedule); err != nil {
			return fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	_, err = mapStorageConfig(cfg)
	return err
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(256, "job.")
	log := a.log.With(logx.String("comp", "events"))
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				logEvent(log, e)
			}
		}
	})
}

func logEvent(log logx.Logger, e eventbus.Event) {
	ev, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		log.Debug("event", logx.String("type", e.Type))
		return
	}
	fields := []logx.Field{
		logx.Int64("job_id", ev.ID),
		logx.String("name", ev.Name),
		logx.String("owner", ev.Owner),
		logx.String("priority", string(ev.Priority)),
	}
	if ev.RunID != "" {
		fields = append(fields, logx.String("run_id", ev.RunID))
	}
	switch e.Type {
	case eventbus.JobCompleted, eventbus.JobFailed:
		fields = append(fields, logx.Duration("took", ev.Took))
		if ev.Error != "" {
			fields = append(fields, logx.String("error", ev.Error))
		}
	}
	log.Debug(e.Type, fields...)
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if a.logs != nil {
		if err := a.logs.Apply(next.Logging.Logx()); err != nil {
			a.log.Warn("logging apply incomplete", logx.Err(err))
		}
	}
	a.sched.SetMaxWorkers(next.Scheduler.MaxWorkers)
	if rc, err := mapReconcileConfig(next); err != nil {
		a.log.Warn("invalid reconcile config; keeping previous", logx.Err(err))
	} else if err := a.recon.Apply(rc); err != nil {
		a.log.Warn("reconcile apply failed", logx.Err(err))
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health is the /healthz document.
type Health struct {
	Scheduler  scheduler.Snapshot     `json:"scheduler"`
	Reconcile  reconcile.Status       `json:"reconcile"`
	Goroutines []rtsup.GoroutineStats `json:"goroutines"`
	Err        string                 `json:"err,omitempty"`
}

func (a *App) health() (bool, any) {
	h := Health{Scheduler: a.sched.Snapshot(), Reconcile: a.recon.Status()}
	ok := true
	if a.sup != nil {
		h.Goroutines = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			ok, h.Err = false, err.Error()
		}
	}
	return ok, h
}

// Stop shuts components down in reverse dependency order, each step bounded
// so one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("reconcile", 2*time.Second, func(c context.Context) error { a.recon.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	// Running jobs end FAILED "interrupted"; queued ones stay PENDING.
	step("scheduler", 5*time.Second, a.sched.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
