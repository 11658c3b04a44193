package ackhandler

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

const (
	// maxAckSendDelay bounds how long a delayed ACK may wait before it must
	// go out, RFC 9000 §13.2.1.
	maxAckSendDelay = 25 * time.Millisecond
	// ackElicitingThreshold is how many ack-eliciting packets can arrive
	// before an ACK is sent immediately rather than delayed.
	ackElicitingThreshold = 2
)

// receivedPacketTracker tracks the packet numbers received in one packet
// number space and decides when an ACK is owed, RFC 9000 §13.2.
type receivedPacketTracker struct {
	largestObserved             protocol.PacketNumber
	largestObservedReceivedTime time.Time

	ignoreBelow protocol.PacketNumber

	ackRanges []wire.AckRange

	ackQueued      bool
	ackAlarm       time.Time
	packetsSinceLastAck int

	rttStats *utils.RTTStats
	logger   utils.Logger
}

func newReceivedPacketTracker(rttStats *utils.RTTStats, logger utils.Logger) *receivedPacketTracker {
	return &receivedPacketTracker{
		largestObserved: protocol.InvalidPacketNumber,
		rttStats:        rttStats,
		logger:          logger,
	}
}

// ReceivedPacket registers pn as received at rcvTime, updating the range set
// and deciding whether the ACK it's owed should go out immediately or after
// a bounded delay.
func (t *receivedPacketTracker) ReceivedPacket(pn protocol.PacketNumber, rcvTime time.Time, isAckEliciting bool) error {
	if pn < t.ignoreBelow {
		return nil
	}

	isNew := t.addToRanges(pn)
	if !isNew {
		return nil
	}

	if pn > t.largestObserved {
		t.largestObserved = pn
		t.largestObservedReceivedTime = rcvTime
	}

	if !isAckEliciting {
		return nil
	}

	t.packetsSinceLastAck++
	outOfOrder := pn != t.largestObserved || (len(t.ackRanges) > 1)

	switch {
	case outOfOrder:
		t.queueAck(rcvTime)
	case t.packetsSinceLastAck >= ackElicitingThreshold:
		t.queueAck(rcvTime)
	default:
		if t.ackAlarm.IsZero() {
			t.ackAlarm = rcvTime.Add(t.ackDelay())
		}
	}
	return nil
}

func (t *receivedPacketTracker) ackDelay() time.Duration {
	d := maxAckSendDelay
	if srtt := t.rttStats.SmoothedRTT(); srtt > 0 {
		d = utils.MinDuration(d, srtt/4)
	}
	if d < protocol.TimerGranularity {
		d = protocol.TimerGranularity
	}
	return d
}

func (t *receivedPacketTracker) queueAck(rcvTime time.Time) {
	t.ackQueued = true
	t.ackAlarm = time.Time{}
}

// addToRanges inserts pn into the sorted (largest-first) range set, merging
// adjacent ranges; returns false if pn was already present.
func (t *receivedPacketTracker) addToRanges(pn protocol.PacketNumber) bool {
	if len(t.ackRanges) == 0 {
		t.ackRanges = append(t.ackRanges, wire.AckRange{Smallest: pn, Largest: pn})
		return true
	}

	for i := range t.ackRanges {
		r := &t.ackRanges[i]
		switch {
		case pn >= r.Smallest && pn <= r.Largest:
			return false
		case pn == r.Largest+1:
			r.Largest = pn
			t.mergeForward(i)
			return true
		case pn == r.Smallest-1:
			r.Smallest = pn
			t.mergeBackward(i)
			return true
		case pn > r.Largest:
			// pn belongs in a new range inserted before i.
			t.ackRanges = append(t.ackRanges, wire.AckRange{})
			copy(t.ackRanges[i+1:], t.ackRanges[i:])
			t.ackRanges[i] = wire.AckRange{Smallest: pn, Largest: pn}
			return true
		}
	}
	t.ackRanges = append(t.ackRanges, wire.AckRange{Smallest: pn, Largest: pn})
	return true
}

func (t *receivedPacketTracker) mergeForward(i int) {
	if i == 0 {
		return
	}
	if t.ackRanges[i].Largest+1 == t.ackRanges[i-1].Smallest {
		t.ackRanges[i-1].Smallest = t.ackRanges[i].Smallest
		t.ackRanges = append(t.ackRanges[:i], t.ackRanges[i+1:]...)
	}
}

func (t *receivedPacketTracker) mergeBackward(i int) {
	if i+1 >= len(t.ackRanges) {
		return
	}
	if t.ackRanges[i+1].Largest+1 == t.ackRanges[i].Smallest {
		t.ackRanges[i].Smallest = t.ackRanges[i+1].Smallest
		t.ackRanges = append(t.ackRanges[:i+1], t.ackRanges[i+2:]...)
	}
}

// IgnoreBelow drops tracking for any packet number below pn: called once a
// generated ACK has been sent and acknowledged, RFC 9000 §13.2.3.
func (t *receivedPacketTracker) IgnoreBelow(pn protocol.PacketNumber) {
	if pn <= t.ignoreBelow {
		return
	}
	t.ignoreBelow = pn
	var kept []wire.AckRange
	for _, r := range t.ackRanges {
		if r.Largest < pn {
			continue
		}
		if r.Smallest < pn {
			r.Smallest = pn
		}
		kept = append(kept, r)
	}
	t.ackRanges = kept
}

func (t *receivedPacketTracker) GetAlarmTimeout() time.Time {
	return t.ackAlarm
}

// GetAckFrame builds the ACK frame owed for this space, or nil if none is
// due. If dequeue is true, the queued/alarm state is cleared as though the
// frame has now been sent.
func (t *receivedPacketTracker) GetAckFrame(now time.Time, dequeue bool) *wire.AckFrame {
	if len(t.ackRanges) == 0 {
		return nil
	}
	hasAlarm := !t.ackAlarm.IsZero() && !now.Before(t.ackAlarm)
	if !t.ackQueued && !hasAlarm {
		return nil
	}

	ack := &wire.AckFrame{DelayTime: now.Sub(t.largestObservedReceivedTime)}
	if ack.DelayTime < 0 {
		ack.DelayTime = 0
	}
	// ackRanges is already stored largest-first, matching AckFrame's layout.
	ack.AckRanges = make([]wire.AckRange, len(t.ackRanges))
	copy(ack.AckRanges, t.ackRanges)

	if dequeue {
		t.ackQueued = false
		t.ackAlarm = time.Time{}
		t.packetsSinceLastAck = 0
	}
	return ack
}
