package congestion

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/nanoq/nanoq/internal/protocol"
)

const maxBurstPackets = 10

// pacer spreads packets sent within one congestion window evenly over a
// round trip, rather than releasing the whole window in one burst. It wraps
// golang.org/x/time/rate's token bucket, generalizing the fixed-budget
// bookkeeping a hand-rolled pacer would otherwise need.
type pacer struct {
	limiter      *rate.Limiter
	getBandwidth func() Bandwidth
}

func newPacer(getBandwidth func() Bandwidth) *pacer {
	p := &pacer{getBandwidth: getBandwidth}
	p.limiter = rate.NewLimiter(p.limit(), p.burst())
	return p
}

func (p *pacer) limit() rate.Limit {
	bw := p.getBandwidth()
	if bw == 0 || bw == infiniteBandwidth {
		return rate.Inf
	}
	return rate.Limit(uint64(bw) / uint64(BytesPerSecond))
}

func (p *pacer) burst() int {
	b := int(maxBurstPackets * protocol.MaxDatagramSize)
	if b < int(protocol.MaxDatagramSize) {
		return int(protocol.MaxDatagramSize)
	}
	return b
}

// SentPacket accounts for size bytes sent at sendTime, consuming that many
// tokens from the bucket.
func (p *pacer) SentPacket(sendTime time.Time, size protocol.ByteCount) {
	p.limiter.SetLimitAt(sendTime, p.limit())
	p.limiter.ReserveN(sendTime, int(size))
}

// Budget reports how many bytes could be sent right now without violating
// the pacing rate.
func (p *pacer) Budget(now time.Time) protocol.ByteCount {
	tokens := p.limiter.TokensAt(now)
	if tokens < 0 {
		return 0
	}
	return protocol.ByteCount(tokens)
}

// TimeUntilSend returns the time at which a full-size packet could next be
// sent without exceeding the pacing rate. The zero Time means "now".
func (p *pacer) TimeUntilSend() time.Time {
	now := time.Now()
	p.limiter.SetLimitAt(now, p.limit())
	r := p.limiter.ReserveN(now, int(protocol.MaxDatagramSize))
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		return time.Time{}
	}
	return now.Add(delay)
}
