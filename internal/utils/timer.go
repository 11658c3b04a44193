package utils

import (
	"math"
	"time"
)

// Timer wraps time.Timer so resetting it to a new deadline never races with
// an in-flight fire: Reset drains the channel itself when needed, the way a
// single consumer of Chan() expects.
type Timer struct {
	t        *time.Timer
	read     bool
	deadline time.Time
}

// NewTimer returns a Timer that never fires until Reset is called.
func NewTimer() *Timer {
	return &Timer{t: time.NewTimer(time.Duration(math.MaxInt64))}
}

// Chan returns the channel the timer fires on.
func (t *Timer) Chan() <-chan time.Time { return t.t.C }

// Reset rearms the timer for deadline, regardless of whether the previous
// deadline's value was read from the channel yet.
func (t *Timer) Reset(deadline time.Time) {
	if deadline.Equal(t.deadline) && !t.read {
		return
	}
	if !t.t.Stop() && !t.read {
		<-t.t.C
	}
	if !deadline.IsZero() {
		t.t.Reset(time.Until(deadline))
	}
	t.read = false
	t.deadline = deadline
}

// SetRead must be called once the fired value has been consumed from Chan().
func (t *Timer) SetRead() { t.read = true }

// Deadline returns the currently armed deadline, or the zero Time if unset.
func (t *Timer) Deadline() time.Time { return t.deadline }

// Stop disarms the timer.
func (t *Timer) Stop() { t.t.Stop() }
