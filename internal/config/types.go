package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "jobsched/pkg/logx"
)

type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Reconcile     ReconcileConfig     `json:"reconcile"`
	Storage       StorageConfig       `json:"storage"`
	Observability ObservabilityConfig `json:"observability,omitempty"`
	Intake        IntakeConfig        `json:"intake,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Logx converts the section into the logging service config.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{Level: c.Level, Console: c.Console, File: logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path}}
}

// SchedulerConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 3
//   - duration_unit: "1m" (the sleep hook waits estimated_minutes * unit)
//   - persist_timeout: "5s"
//   - recover_on_start: false
type SchedulerConfig struct {
	MaxWorkers     int    `json:"max_workers,omitempty"`
	DurationUnit   string `json:"duration_unit,omitempty"`
	PersistTimeout string `json:"persist_timeout,omitempty"`
	// RecoverOnStart fails jobs a previous process left RUNNING.
	RecoverOnStart bool `json:"recover_on_start,omitempty"`
}

// ReconcileConfig controls the periodic store resync.
//
// Schedule accepts cron ("*/5 * * * *", with optional seconds field),
// descriptors ("@every 30s"), Go durations ("30s") or HH:MM intervals.
type ReconcileConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsched.db" }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ObservabilityConfig controls the HTTP server for /metrics, /healthz and
// optionally pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:9090"
	MetricsPath   string `json:"metrics_path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`        // mount /debug/pprof/
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type IntakeConfig struct {
	DefaultPageSize int `json:"default_page_size,omitempty"`
	MaxPageSize     int `json:"max_page_size,omitempty"`
}

// Validate checks field values that decoding alone cannot. All problems are
// joined into one error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}
	if c.Scheduler.MaxWorkers < 0 {
		add("scheduler.max_workers: must be >= 0")
	}
	for path, raw := range map[string]string{
		"scheduler.duration_unit":     c.Scheduler.DurationUnit,
		"scheduler.persist_timeout":   c.Scheduler.PersistTimeout,
		"reconcile.timeout":           c.Reconcile.Timeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"observability.read_timeout":  c.Observability.ReadTimeout,
		"observability.write_timeout": c.Observability.WriteTimeout,
		"observability.idle_timeout":  c.Observability.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "memory", "redis":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: required for driver %q", d)
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Intake.DefaultPageSize < 0 || c.Intake.MaxPageSize < 0 {
		add("intake: page sizes must be >= 0")
	}
	if p := strings.TrimSpace(c.Observability.MetricsPath); p != "" && !strings.HasPrefix(p, "/") {
		add("observability.metrics_path: must start with '/'")
	}
	return errors.Join(errs...)
}

// Durations returns the parsed scheduler durations with defaults
// left at zero for the scheduler to fill in.
func (c SchedulerConfig) Durations() (unit, persist time.Duration, err error) {
	if unit, err = ParseDurationField("scheduler.duration_unit", c.DurationUnit); err != nil {
		return 0, 0, err
	}
	if persist, err = ParseDurationField("scheduler.persist_timeout", c.PersistTimeout); err != nil {
		return 0, 0, err
	}
	return unit, persist, nil
}
