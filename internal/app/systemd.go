package app

import (
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "connmgr/pkg/logx"
)

// sdNotifier sends sd_notify states when systemd.notify is on. Outside a
// systemd unit NOTIFY_SOCKET is unset and every call is a no-op.
type sdNotifier struct {
	enabled bool
	log     logx.Logger
	warned  atomic.Bool
}

func (n *sdNotifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		if n.warned.CompareAndSwap(false, true) {
			n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		}
		return
	}
	if sent && state != daemon.SdNotifyWatchdog {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *sdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n *sdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }
func (n *sdNotifier) watchdog() { n.notify(daemon.SdNotifyWatchdog) }
