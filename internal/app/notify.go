package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobcast/pkg/logx"
)

// sdNotify reports state to systemd. Outside a notify-type unit
// NOTIFY_SOCKET is unset and this is a no-op.
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the unit's WatchdogSec while ctx lives.
func (a *App) watchdog(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog disabled", logx.Err(err))
		return nil
	}
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(max(interval/2, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
