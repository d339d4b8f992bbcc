package config

import (
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// restartSections are sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage":       true,
	"observability": true,
	"intake":        true,
}

// SummarizeChange returns the changed section names, safe structured attrs
// for logging (never passwords or tokens), and the subset of sections that
// need a restart to take effect.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	attrs = make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if o.MaxWorkers != n.MaxWorkers {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.max_workers", n.MaxWorkers))
	}
	// The remaining scheduler fields are read once at startup.
	if strings.TrimSpace(o.DurationUnit) != strings.TrimSpace(n.DurationUnit) ||
		strings.TrimSpace(o.PersistTimeout) != strings.TrimSpace(n.PersistTimeout) ||
		o.RecoverOnStart != n.RecoverOnStart {
		if o.MaxWorkers == n.MaxWorkers {
			changed = append(changed, "scheduler")
		}
		restart = append(restart, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.duration_unit", strings.TrimSpace(n.DurationUnit)),
			logx.String("scheduler.persist_timeout", strings.TrimSpace(n.PersistTimeout)),
			logx.Bool("scheduler.recover_on_start", n.RecoverOnStart),
		)
	}

	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.Bool("reconcile.enabled", newCfg.Reconcile.Enabled),
			logx.String("reconcile.schedule", strings.TrimSpace(newCfg.Reconcile.Schedule)),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(nst.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(nst.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(nst.BusyTimeout) ||
		ost.Redis != nst.Redis {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.String("storage.redis_addr", nst.Redis.Addr),
			logx.Bool("storage.redis_password_set", nst.Redis.Password != ""),
		)
	}

	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", strings.TrimSpace(newCfg.Observability.Addr)),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
			logx.Bool("observability.token_set", strings.TrimSpace(newCfg.Observability.Token) != ""),
		)
	}

	if oldCfg.Intake != newCfg.Intake {
		changed = append(changed, "intake")
		attrs = append(attrs,
			logx.Int("intake.default_page_size", newCfg.Intake.DefaultPageSize),
			logx.Int("intake.max_page_size", newCfg.Intake.MaxPageSize),
		)
	}

	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
