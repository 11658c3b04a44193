package congestion

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// renoSender implements NewReno congestion control, RFC 9002 Appendix B: an
// additive-increase/multiplicative-decrease window with a slow-start phase
// that doubles the window every round trip until the first loss or ECN
// signal.
type renoSender struct {
	rttStats *utils.RTTStats

	congestionWindow     protocol.ByteCount
	slowStartThreshold   protocol.ByteCount
	minCongestionWindow  protocol.ByteCount
	maxCongestionWindow  protocol.ByteCount

	bytesAckedSinceRecovery protocol.ByteCount
	largestSentPacket       protocol.PacketNumber
	largestAckedPacket      protocol.PacketNumber
	largestSentAtLastCutback protocol.PacketNumber
	inRecovery              bool

	pacer *pacer

	lastState connectionStats
}

var _ SendAlgorithmWithDebugInfo = &renoSender{}

// NewRenoSender constructs a NewReno sender with the RFC 9002 §7.2 initial
// window (10 * max_datagram_size) and the given maximum window.
func NewRenoSender(rttStats *utils.RTTStats, initialMaxDatagramSize, maxCongestionWindow protocol.ByteCount) *renoSender {
	r := &renoSender{
		rttStats:             rttStats,
		congestionWindow:      protocol.InitialCongestionWindow * initialMaxDatagramSize,
		slowStartThreshold:    maxCongestionWindow,
		minCongestionWindow:   protocol.MinCongestionWindow * initialMaxDatagramSize,
		maxCongestionWindow:   maxCongestionWindow,
		largestSentPacket:     protocol.InvalidPacketNumber,
		largestAckedPacket:    protocol.InvalidPacketNumber,
		largestSentAtLastCutback: protocol.InvalidPacketNumber,
	}
	r.pacer = newPacer(r.BandwidthEstimate)
	return r
}

func (r *renoSender) TimeUntilSend(bytesInFlight protocol.ByteCount) time.Duration {
	if !r.CanSend(bytesInFlight) {
		return utils.InfDuration
	}
	t := r.pacer.TimeUntilSend()
	if t.IsZero() {
		return 0
	}
	return time.Until(t)
}

func (r *renoSender) HasPacingBudget(now time.Time) bool {
	return r.pacer.Budget(now) >= protocol.MaxDatagramSize
}

func (r *renoSender) CanSend(bytesInFlight protocol.ByteCount) bool {
	return bytesInFlight < r.GetCongestionWindow()
}

func (r *renoSender) InSlowStart() bool {
	return r.congestionWindow < r.slowStartThreshold
}

func (r *renoSender) InRecovery() bool {
	return r.inRecovery
}

func (r *renoSender) GetCongestionWindow() protocol.ByteCount {
	return r.congestionWindow
}

func (r *renoSender) MaybeExitSlowStart() {}

func (r *renoSender) OnPacketSent(sentTime time.Time, bytesInFlight protocol.ByteCount, packetNumber protocol.PacketNumber, bytes protocol.ByteCount, isRetransmittable bool) {
	r.pacer.SentPacket(sentTime, bytes)
	if !isRetransmittable {
		return
	}
	r.largestSentPacket = packetNumber
}

// OnPacketAcked grows the window: doubling in slow start, additive increase
// (one max-size segment per RTT worth of acked bytes) in congestion
// avoidance, RFC 9002 Appendix B.4/B.5.
func (r *renoSender) OnPacketAcked(number protocol.PacketNumber, ackedBytes protocol.ByteCount, priorInFlight protocol.ByteCount, eventTime time.Time) {
	r.largestAckedPacket = protocol.MaxPacketNumber(r.largestAckedPacket, number)
	if r.isInRecoveryWindow(number) {
		return
	}
	if !r.CanSend(priorInFlight) {
		return
	}
	if r.InSlowStart() {
		r.congestionWindow += ackedBytes
		if r.congestionWindow > r.maxCongestionWindow {
			r.congestionWindow = r.maxCongestionWindow
		}
		return
	}
	r.bytesAckedSinceRecovery += ackedBytes
	if r.bytesAckedSinceRecovery >= r.congestionWindow {
		r.bytesAckedSinceRecovery -= r.congestionWindow
		r.congestionWindow += protocol.MaxDatagramSize
		if r.congestionWindow > r.maxCongestionWindow {
			r.congestionWindow = r.maxCongestionWindow
		}
	}
}

// OnPacketLost multiplicatively decreases the window, RFC 9002 §7.3.1,
// entering recovery for packets already in flight at the moment of loss so
// a single loss burst only cuts the window once.
func (r *renoSender) OnPacketLost(number protocol.PacketNumber, lostBytes protocol.ByteCount, priorInFlight protocol.ByteCount) {
	if r.isInRecoveryWindow(number) {
		return
	}
	wasSlowStart := r.InSlowStart()
	r.largestSentAtLastCutback = r.largestSentPacket
	r.inRecovery = true
	r.bytesAckedSinceRecovery = 0
	r.congestionWindow = r.congestionWindow / 2
	if r.congestionWindow < r.minCongestionWindow {
		r.congestionWindow = r.minCongestionWindow
	}
	r.slowStartThreshold = r.congestionWindow
	if wasSlowStart {
		r.lastState.slowstartPacketsLost++
		r.lastState.slowstartBytesLost += lostBytes
	}
}

func (r *renoSender) isInRecoveryWindow(number protocol.PacketNumber) bool {
	return r.largestSentAtLastCutback != protocol.InvalidPacketNumber && number <= r.largestSentAtLastCutback
}

// OnRetransmissionTimeout collapses the window to the minimum, RFC 9002
// §7.6.1, since a PTO fires only once ack-eliciting packets have gone
// unacknowledged for a full probe timeout.
func (r *renoSender) OnRetransmissionTimeout(packetsRetransmitted bool) {
	if !packetsRetransmitted {
		return
	}
	r.congestionWindow = r.minCongestionWindow
	r.slowStartThreshold = r.congestionWindow
	r.inRecovery = false
	r.bytesAckedSinceRecovery = 0
}

func (r *renoSender) SlowstartThreshold() protocol.ByteCount { return r.slowStartThreshold }

// BandwidthEstimate derives a bandwidth estimate from the current window and
// smoothed RTT, for the pacer's token-bucket rate.
func (r *renoSender) BandwidthEstimate() Bandwidth {
	srtt := r.rttStats.SmoothedRTT()
	if srtt <= 0 {
		return infiniteBandwidth
	}
	return BandwidthFromDelta(uint64(r.congestionWindow), srtt)
}
