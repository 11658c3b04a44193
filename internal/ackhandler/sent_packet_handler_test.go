package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

func newTestSentPacketHandler() *sentPacketHandler {
	h := NewSentPacketHandler(0, 1200, &utils.RTTStats{}, protocol.PerspectiveClient, utils.NopLogger)
	return h.(*sentPacketHandler)
}

func TestSentPacketHandlerTracksBytesInFlight(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()

	f := &Frame{Frame: &wire.PingFrame{}}
	h.SentPacket(now, 0, []*Frame{f}, protocol.Encryption1RTT, 1200, true)
	require.Equal(t, protocol.ByteCount(1200), h.bytesInFlight)

	acked, err := h.ReceivedAck(&wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}}, protocol.Encryption1RTT, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.True(t, acked)
	require.Zero(t, h.bytesInFlight)
}

func TestSentPacketHandlerRunsOnAckedAndOnLostCallbacks(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()

	var acked, lost bool
	f := &Frame{
		Frame:   &wire.PingFrame{},
		OnAcked: func(wire.Frame) { acked = true },
		OnLost:  func(wire.Frame) { lost = true },
	}
	h.SentPacket(now, 0, []*Frame{f}, protocol.Encryption1RTT, 1200, true)

	// three later packets get acked, pushing packet 0 past the packet
	// reordering threshold without ever being acked itself.
	for i := protocol.PacketNumber(1); i <= 3; i++ {
		h.SentPacket(now, i, nil, protocol.Encryption1RTT, 100, false)
	}
	_, err := h.ReceivedAck(&wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 1, Largest: 3}}}, protocol.Encryption1RTT, now.Add(time.Millisecond))
	require.NoError(t, err)

	require.False(t, acked)
	require.True(t, lost)
}

func TestSentPacketHandlerPTOCollapsesWindow(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()
	h.SentPacket(now, 0, []*Frame{{Frame: &wire.PingFrame{}}}, protocol.Encryption1RTT, 1200, true)

	require.NoError(t, h.OnLossDetectionTimeout())
	require.Equal(t, 1, h.ptoCount)
	require.Equal(t, 2, h.numProbesToSend)
	require.Equal(t, protocol.MinCongestionWindow*1200, h.GetCongestionWindow())
}

func TestSentPacketHandlerDropPacketsClearsInFlight(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()
	h.SentPacket(now, 0, []*Frame{{Frame: &wire.PingFrame{}}}, protocol.EncryptionInitial, 1200, true)
	require.Equal(t, protocol.ByteCount(1200), h.bytesInFlight)

	h.DropPackets(protocol.EncryptionInitial)
	require.Zero(t, h.bytesInFlight)
	require.True(t, h.initialPackets.dropped)
}

func TestSentPacketHandlerPeekPopAgree(t *testing.T) {
	h := newTestSentPacketHandler()
	peeked, _ := h.PeekPacketNumber(protocol.Encryption1RTT)
	popped := h.PopPacketNumber(protocol.Encryption1RTT)
	require.Equal(t, peeked, popped)
}

// TestSentPacketHandlerPTOFiresAtEarliestSpaceNotLastIterated sends
// Initial data first and AppData data second, then fires the PTO: the
// earliest-armed space (Initial) must win, regardless of activeSpaces'
// Initial/Handshake/AppData iteration order always visiting AppData last.
func TestSentPacketHandlerPTOFiresAtEarliestSpaceNotLastIterated(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()

	h.SentPacket(now, 0, []*Frame{{Frame: &wire.CryptoFrame{}}}, protocol.EncryptionInitial, 200, true)
	h.SentPacket(now.Add(time.Millisecond), 0, []*Frame{{Frame: &wire.PingFrame{}}}, protocol.Encryption1RTT, 1200, true)

	require.NoError(t, h.OnLossDetectionTimeout())
	require.Equal(t, SendPTOInitial, h.ptoMode)
}

// TestSentPacketHandlerPTOFiresAtAppDataWhenItIsEarliest is the mirror
// case: once Initial is dropped, only AppData remains armed, so it must be
// picked even though it is the last space activeSpaces() visits.
func TestSentPacketHandlerPTOFiresAtAppDataWhenItIsEarliest(t *testing.T) {
	h := newTestSentPacketHandler()
	now := time.Now()

	h.SentPacket(now, 0, []*Frame{{Frame: &wire.PingFrame{}}}, protocol.Encryption1RTT, 1200, true)
	h.DropPackets(protocol.EncryptionInitial)
	h.DropPackets(protocol.EncryptionHandshake)

	require.NoError(t, h.OnLossDetectionTimeout())
	require.Equal(t, SendPTOAppData, h.ptoMode)
}
