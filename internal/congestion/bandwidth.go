package congestion

import "time"

// Bandwidth is expressed in bits per second.
type Bandwidth uint64

// BytesPerSecond converts a Bandwidth (bits/s) to bytes/s.
const BytesPerSecond Bandwidth = 8

const infiniteBandwidth Bandwidth = 1<<64 - 1

// BandwidthFromDelta computes the bandwidth implied by sending bytes over a
// given duration.
func BandwidthFromDelta(bytes uint64, delta time.Duration) Bandwidth {
	if delta <= 0 {
		return 0
	}
	return Bandwidth(bytes) * 8 * Bandwidth(time.Second) / Bandwidth(delta)
}
