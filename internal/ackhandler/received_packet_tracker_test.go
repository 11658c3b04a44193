package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

func newTestTracker() *receivedPacketTracker {
	return newReceivedPacketTracker(&utils.RTTStats{}, utils.NopLogger)
}

func TestReceivedPacketTrackerUpdatesLargestObserved(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	require.NoError(t, tr.ReceivedPacket(5, now, true))
	require.Equal(t, protocol.PacketNumber(5), tr.largestObserved)
	require.Equal(t, now, tr.largestObservedReceivedTime)

	earlier := now.Add(-time.Second)
	require.NoError(t, tr.ReceivedPacket(3, earlier, true))
	require.Equal(t, protocol.PacketNumber(5), tr.largestObserved, "an older packet must not move largestObserved backwards")
}

func TestReceivedPacketTrackerQueuesImmediateAckOnOutOfOrder(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	require.NoError(t, tr.ReceivedPacket(0, now, true))
	require.False(t, tr.ackQueued, "a single in-order packet should only arm the delayed-ack alarm")
	require.False(t, tr.ackAlarm.IsZero())

	require.NoError(t, tr.ReceivedPacket(5, now, true))
	require.True(t, tr.ackQueued, "a gap must trigger an immediate ACK")
}

func TestReceivedPacketTrackerQueuesImmediateAckOnSecondPacket(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	require.NoError(t, tr.ReceivedPacket(0, now, true))
	require.NoError(t, tr.ReceivedPacket(1, now, true))
	require.True(t, tr.ackQueued)
}

func TestReceivedPacketTrackerIgnoresNonAckEliciting(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	require.NoError(t, tr.ReceivedPacket(0, now, false))
	require.False(t, tr.ackQueued)
	require.True(t, tr.ackAlarm.IsZero())
	require.Equal(t, protocol.PacketNumber(0), tr.largestObserved)
}

func TestReceivedPacketTrackerBuildsMultiRangeAck(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()

	for _, pn := range []protocol.PacketNumber{0, 1, 2, 5, 6, 10} {
		require.NoError(t, tr.ReceivedPacket(pn, now, true))
	}

	ack := tr.GetAckFrame(now, false)
	require.NotNil(t, ack)
	require.Equal(t, protocol.PacketNumber(10), ack.LargestAcked())
	require.Equal(t, protocol.PacketNumber(0), ack.LowestAcked())
	require.True(t, ack.HasMissingRanges())

	for _, pn := range []protocol.PacketNumber{0, 1, 2, 5, 6, 10} {
		require.True(t, ack.AcksPacket(pn))
	}
	for _, pn := range []protocol.PacketNumber{3, 4, 7, 8, 9} {
		require.False(t, ack.AcksPacket(pn))
	}
}

func TestReceivedPacketTrackerDequeueClearsState(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	require.NoError(t, tr.ReceivedPacket(0, now, true))
	require.NoError(t, tr.ReceivedPacket(5, now, true))

	ack := tr.GetAckFrame(now, true)
	require.NotNil(t, ack)
	require.False(t, tr.ackQueued)
	require.True(t, tr.ackAlarm.IsZero())

	require.Nil(t, tr.GetAckFrame(now, true))
}

func TestReceivedPacketTrackerIgnoreBelowPrunesRanges(t *testing.T) {
	tr := newTestTracker()
	now := time.Now()
	for _, pn := range []protocol.PacketNumber{0, 1, 2, 5} {
		require.NoError(t, tr.ReceivedPacket(pn, now, true))
	}

	tr.IgnoreBelow(2)
	ack := tr.GetAckFrame(now, false)
	require.NotNil(t, ack)
	require.Equal(t, protocol.PacketNumber(2), ack.LowestAcked())
	require.False(t, ack.AcksPacket(0))
	require.False(t, ack.AcksPacket(1))
	require.True(t, ack.AcksPacket(2))
}
