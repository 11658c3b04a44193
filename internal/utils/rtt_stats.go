package utils

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
)

// RTTStats tracks latest/smoothed/mean-deviation/min RTT per RFC 9002 §5.
// The zero value is ready to use (no measurement yet).
type RTTStats struct {
	hasMeasurement bool

	minRTT      time.Duration
	latestRTT   time.Duration
	smoothedRTT time.Duration
	meanDev     time.Duration

	maxAckDelay time.Duration
}

// UpdateRTT records a new RTT sample: sendDelta is the measured round trip
// time, ackDelay is the delay the peer reported before sending its ACK.
// Non-positive sendDelta samples are ignored (clock skew / reordering).
func (r *RTTStats) UpdateRTT(sendDelta, ackDelay time.Duration, now time.Time) {
	if sendDelta <= 0 {
		return
	}
	if !r.hasMeasurement {
		r.minRTT = sendDelta
		r.latestRTT = sendDelta
		r.smoothedRTT = sendDelta
		r.meanDev = sendDelta / 2
		r.hasMeasurement = true
		return
	}
	if sendDelta < r.minRTT {
		r.minRTT = sendDelta
	}
	adjusted := sendDelta
	if sendDelta >= r.minRTT+ackDelay {
		adjusted = sendDelta - ackDelay
	}
	r.latestRTT = adjusted
	r.meanDev = 3*r.meanDev/4 + absDuration(r.smoothedRTT-adjusted)/4
	r.smoothedRTT = 7*r.smoothedRTT/8 + adjusted/8
}

// SetInitialRTT seeds a best-guess RTT (e.g. from a resumption ticket)
// before the first real sample arrives. Once a measurement has been taken,
// this is a no-op.
func (r *RTTStats) SetInitialRTT(rtt time.Duration) {
	if r.hasMeasurement {
		return
	}
	r.latestRTT = rtt
	r.smoothedRTT = rtt
}

// SetMaxAckDelay records the peer's advertised max_ack_delay transport
// parameter, used when computing the PTO.
func (r *RTTStats) SetMaxAckDelay(d time.Duration) { r.maxAckDelay = d }

func (r *RTTStats) MaxAckDelay() time.Duration { return r.maxAckDelay }
func (r *RTTStats) MinRTT() time.Duration      { return r.minRTT }
func (r *RTTStats) LatestRTT() time.Duration   { return r.latestRTT }
func (r *RTTStats) SmoothedRTT() time.Duration { return r.smoothedRTT }
func (r *RTTStats) MeanDeviation() time.Duration { return r.meanDev }

// PTO computes the probe timeout duration, RFC 9002 §6.2.1. includeMaxAckDelay
// must be false for the Initial/Handshake packet-number spaces and true for
// the Application-data space once the handshake is confirmed.
func (r *RTTStats) PTO(includeMaxAckDelay bool) time.Duration {
	if r.smoothedRTT == 0 {
		return 2 * protocol.TimerGranularity
	}
	pto := r.smoothedRTT + MaxDuration(4*r.meanDev, protocol.TimerGranularity)
	if includeMaxAckDelay {
		pto += r.maxAckDelay
	}
	return pto
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
