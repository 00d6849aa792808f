package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"agrialert/internal/runtime/supervisor"
	logx "agrialert/pkg/logx"
)

// notifyReady reports readiness to systemd and, when the unit sets
// WatchdogSec, pings the watchdog at half the interval while the app is
// healthy. Outside systemd both calls are no-ops.
func (a *App) notifyReady(sup *supervisor.Supervisor) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				hc, cancel := context.WithTimeout(c, interval/4)
				err := a.health(hc)
				cancel()
				if err != nil {
					a.log.Warn("watchdog ping skipped", logx.Err(err))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
