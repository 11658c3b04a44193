package nanoq

import (
	"time"

	"github.com/nanoq/nanoq/internal/utils"
)

// connectionTimer is the single timer a connection's run loop selects on:
// it always fires at the earliest of several independent deadlines (idle
// timeout, keep-alive, connection ID retirement, ACK alarm, loss detection,
// pacing), so a connection needs only one timer channel, not one per
// concern. The teacher's own version is identical in shape but keyed on an
// internal `monotime.Time`, a monotonic-clock type not present in this
// module's pack; this uses plain `time.Time`, which `utils.Timer` already
// works in terms of.
type connectionTimer struct {
	timer *utils.Timer

	blocked bool
}

func newTimer() *connectionTimer {
	return &connectionTimer{timer: utils.NewTimer()}
}

func (t *connectionTimer) SetRead() { t.timer.SetRead() }

func (t *connectionTimer) Chan() <-chan time.Time { return t.timer.Chan() }

// SetBlocked pauses the timer's early-exit logic: while blocked, only the
// idle timeout is honored, since the connection is waiting on something
// other than its own pacing/loss state (e.g. the handshake).
func (t *connectionTimer) SetBlocked() { t.blocked = true }

func (t *connectionTimer) Unblock() { t.blocked = false }

// SetTimer rearms the timer for the earliest non-zero deadline given.
func (t *connectionTimer) SetTimer(idleTimeout, keepAlive, connIDRetirement, ackAlarm, lossTime, pacing time.Time) {
	if t.blocked {
		t.timer.Reset(idleTimeout)
		return
	}

	deadline := idleTimeout
	for _, d := range []time.Time{keepAlive, connIDRetirement, ackAlarm, lossTime, pacing} {
		if !d.IsZero() && d.Before(deadline) {
			deadline = d
		}
	}
	t.timer.Reset(deadline)
}

func (t *connectionTimer) Stop() { t.timer.Stop() }
