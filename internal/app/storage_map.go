package app

import (
	"fmt"
	"strings"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/intake"
	"jobsched/internal/observability"
	"jobsched/internal/reconcile"
	"jobsched/internal/scheduler"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured store. The CLI uses it for offline
// submit/list/cancel against the daemon's store.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	unit, persist, err := cfg.Scheduler.Durations()
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{MaxWorkers: cfg.Scheduler.MaxWorkers, DurationUnit: unit, PersistTimeout: persist}, nil
}

func mapReconcileConfig(cfg *config.Config) (reconcile.Config, error) {
	timeout, err := config.ParseDurationField("reconcile.timeout", cfg.Reconcile.Timeout)
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{Enabled: cfg.Reconcile.Enabled, Schedule: cfg.Reconcile.Schedule, Timeout: timeout}, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	oc := cfg.Observability
	var (
		read, write, idle time.Duration
		err               error
	)
	if read, err = config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return observability.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if write, err = config.ParseDurationField("observability.write_timeout", oc.WriteTimeout); err != nil {
		return observability.Config{}, err
	}
	if idle, err = config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return observability.Config{}, err
	}
	return observability.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		MetricsPath:   oc.MetricsPath,
		Pprof:         oc.Pprof,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapIntakeConfig(cfg *config.Config) intake.Config {
	return intake.Config{DefaultPageSize: cfg.Intake.DefaultPageSize, MaxPageSize: cfg.Intake.MaxPageSize}
}
