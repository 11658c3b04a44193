package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerNeverFiresUntilReset(t *testing.T) {
	timer := NewTimer()
	defer timer.Stop()
	select {
	case <-timer.Chan():
		t.Fatal("timer fired before Reset")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestTimerFiresAtDeadline(t *testing.T) {
	timer := NewTimer()
	defer timer.Stop()
	deadline := time.Now().Add(5 * time.Millisecond)
	timer.Reset(deadline)
	require.Equal(t, deadline, timer.Deadline())

	select {
	case <-timer.Chan():
		timer.SetRead()
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerResetToSameDeadlineIsNoOp(t *testing.T) {
	timer := NewTimer()
	defer timer.Stop()
	deadline := time.Now().Add(time.Hour)
	timer.Reset(deadline)
	timer.Reset(deadline)
	require.Equal(t, deadline, timer.Deadline())
}

func TestTimerResetAfterFireRearms(t *testing.T) {
	timer := NewTimer()
	defer timer.Stop()
	timer.Reset(time.Now().Add(5 * time.Millisecond))
	<-timer.Chan()
	timer.SetRead()

	next := time.Now().Add(5 * time.Millisecond)
	timer.Reset(next)
	select {
	case <-timer.Chan():
	case <-time.After(time.Second):
		t.Fatal("timer did not refire")
	}
}
