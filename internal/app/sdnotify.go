package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobsched/pkg/logx"
)

// sdNotify sends state to systemd. Outside a Type=notify unit it is a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdogInterval returns how often to ping systemd's watchdog, or 0 when
// WatchdogSec is not configured for this process.
func watchdogInterval(log logx.Logger) time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// watchdog pings systemd while healthy() holds. Stopping the pings lets
// systemd restart a wedged process.
func watchdog(ctx context.Context, log logx.Logger, every time.Duration, healthy func() bool) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy() {
				sdNotify(log, daemon.SdNotifyWatchdog)
			} else {
				log.Warn("unhealthy; skipping watchdog ping")
			}
		}
	}
}
