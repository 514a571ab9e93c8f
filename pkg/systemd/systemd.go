// Package systemd reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready tells systemd startup finished.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading tells systemd a config reload is in progress. Call Ready when done.
func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// Watchdog pings the watchdog at half of WatchdogSec until ctx ends. It
// returns immediately when the unit has no watchdog configured.
func Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
