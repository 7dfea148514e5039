// Package systemd speaks the sd_notify protocol for Type=notify units.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "alarmd/pkg/logx"
)

// Notifier sends state updates to $NOTIFY_SOCKET. A disabled Notifier, or one
// running outside systemd, does nothing.
type Notifier struct {
	enabled bool
	log     logx.Logger
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log}
}

func (n *Notifier) Enabled() bool { return n != nil && n.enabled }

func (n *Notifier) send(state string) bool {
	if !n.Enabled() {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

func (n *Notifier) Ready() bool { return n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Status(msg string) bool { return n.send("STATUS=" + msg) }

func (n *Notifier) Watchdog() bool { return n.send(daemon.SdNotifyWatchdog) }

// WatchdogInterval returns the keepalive period: override when positive,
// otherwise half of $WATCHDOG_USEC. ok is false when no watchdog applies.
func (n *Notifier) WatchdogInterval(override time.Duration) (time.Duration, bool) {
	if !n.Enabled() {
		return 0, false
	}
	if override > 0 {
		return override, true
	}
	usec, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0, false
	}
	if usec <= 0 {
		return 0, false
	}
	return usec / 2, true
}

// RunWatchdog pings the watchdog every interval until ctx is done.
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.Watchdog()
		}
	}
}
