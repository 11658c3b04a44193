package congestion

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
)

// SendAlgorithm is the contract a congestion controller implements, RFC 9002
// §7. The sent-packet handler drives it from packet-sent/acked/lost events;
// it never touches loss detection timing itself.
type SendAlgorithm interface {
	TimeUntilSend(bytesInFlight protocol.ByteCount) time.Duration
	HasPacingBudget(now time.Time) bool
	OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, packetNumber protocol.PacketNumber, bytes protocol.ByteCount, isRetransmittable bool)
	CanSend(bytesInFlight protocol.ByteCount) bool
	MaybeExitSlowStart()
	OnPacketAcked(number protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, eventTime time.Time)
	OnPacketLost(number protocol.PacketNumber, lostBytes protocol.ByteCount, priorInFlight protocol.ByteCount)
	OnRetransmissionTimeout(packetsRetransmitted bool)
	GetCongestionWindow() protocol.ByteCount
	InSlowStart() bool
	InRecovery() bool
}

// SendAlgorithmWithDebugInfo additionally exposes values useful for qlog /
// diagnostics tracing, kept separate so test doubles don't need to implement
// them.
type SendAlgorithmWithDebugInfo interface {
	SendAlgorithm
	BandwidthEstimate() Bandwidth
	SlowstartThreshold() protocol.ByteCount
}
