package protocol

import (
	"time"

	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/scheduler"
)

// Healthcheck periodically pings the server over an open interactive
// channel connection so the connection is not reclaimed as idle. It is
// registered as a scheduler work item with a period equal to the
// configured healthcheck interval.
type Healthcheck struct {
	control      *Control
	sessionID    func() (string, bool)
	interval     time.Duration
	onDisconnect func()
}

// NewHealthcheck builds a Healthcheck that pings control every interval
// for whatever session id sessionID currently reports, if any.
func NewHealthcheck(control *Control, sessionID func() (string, bool), interval time.Duration, onDisconnect func()) *Healthcheck {
	return &Healthcheck{control: control, sessionID: sessionID, interval: interval, onDisconnect: onDisconnect}
}

// Tick is the scheduler.Func this item registers. It reschedules itself
// indefinitely: a healthcheck never naturally completes.
func (h *Healthcheck) Tick() (scheduler.Result, error) {
	logger := log.WithComponent("protocol.healthcheck")
	id, connected := h.sessionID()
	if !connected {
		return scheduler.KeepScheduled, nil
	}
	timeout := uint32(2 * h.interval / time.Second)
	if err := h.control.Ping(id, timeout); err != nil {
		logger.Warn().Err(err).Msg("healthcheck ping failed, treating connection as lost")
		if h.onDisconnect != nil {
			h.onDisconnect()
		}
		return scheduler.KeepScheduled, err
	}
	return scheduler.KeepScheduled, nil
}
