package wire

import (
	"errors"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// AckFrame acknowledges a set of received packet numbers, RFC 9000 §19.3.
// AckRanges is sorted largest-first: AckRanges[0] is the most recent range,
// AckRanges[len-1] the oldest. Encodes and decodes the full gap-based range
// set, not just the first range.
type AckFrame struct {
	AckRanges []AckRange
	DelayTime time.Duration

	ECT0, ECT1, ECNCE uint64
	ECNPresent        bool
}

func (f *AckFrame) Reset() {
	f.AckRanges = f.AckRanges[:0]
	f.DelayTime = 0
	f.ECT0, f.ECT1, f.ECNCE = 0, 0, 0
	f.ECNPresent = false
}

func (f *AckFrame) LargestAcked() protocol.PacketNumber {
	if len(f.AckRanges) == 0 {
		return protocol.InvalidPacketNumber
	}
	return f.AckRanges[0].Largest
}

func (f *AckFrame) LowestAcked() protocol.PacketNumber {
	if len(f.AckRanges) == 0 {
		return protocol.InvalidPacketNumber
	}
	return f.AckRanges[len(f.AckRanges)-1].Smallest
}

func (f *AckFrame) HasMissingRanges() bool { return len(f.AckRanges) > 1 }

// AcksPacket reports whether pn is covered by one of the ranges.
func (f *AckFrame) AcksPacket(pn protocol.PacketNumber) bool {
	if pn < f.LowestAcked() || pn > f.LargestAcked() {
		return false
	}
	for _, r := range f.AckRanges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
		if pn > r.Largest {
			return false
		}
	}
	return false
}

// ParseAckFrame parses an ACK or ACK_ECN frame body into dst, reusing its
// backing array across calls to avoid allocating on the hot receive path.
func ParseAckFrame(dst *AckFrame, b []byte, typ FrameType, ackDelayExponent uint8) (int, error) {
	startLen := len(b)

	la, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	largest := protocol.PacketNumber(la)

	delay, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	dst.DelayTime = time.Duration(delay<<ackDelayExponent) * time.Microsecond

	numRanges, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]

	firstRange, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	if protocol.PacketNumber(firstRange) > largest {
		return 0, errors.New("wire: invalid first ACK range")
	}
	smallest := largest - protocol.PacketNumber(firstRange)
	dst.AckRanges = append(dst.AckRanges, AckRange{Smallest: smallest, Largest: largest})

	for i := uint64(0); i < numRanges; i++ {
		gap, n, err := quicvarint.Parse(b)
		if err != nil {
			return 0, err
		}
		b = b[n:]
		rangeLen, n, err := quicvarint.Parse(b)
		if err != nil {
			return 0, err
		}
		b = b[n:]
		if smallest < protocol.PacketNumber(gap)+2 {
			return 0, errors.New("wire: invalid ACK range gap")
		}
		newLargest := smallest - protocol.PacketNumber(gap) - 2
		if protocol.PacketNumber(rangeLen) > newLargest {
			return 0, errors.New("wire: invalid ACK range length")
		}
		newSmallest := newLargest - protocol.PacketNumber(rangeLen)
		dst.AckRanges = append(dst.AckRanges, AckRange{Smallest: newSmallest, Largest: newLargest})
		smallest = newSmallest
	}

	if typ == AckECNFrameType {
		dst.ECNPresent = true
		for _, p := range []*uint64{&dst.ECT0, &dst.ECT1, &dst.ECNCE} {
			v, n, err := quicvarint.Parse(b)
			if err != nil {
				return 0, err
			}
			b = b[n:]
			*p = v
		}
	}
	return startLen - len(b), nil
}

func (f *AckFrame) frameType() FrameType {
	if f.ECNPresent {
		return AckECNFrameType
	}
	return AckFrameType
}

func (f *AckFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	return f.appendWithExponent(b, protocol.DefaultAckDelayExponent)
}

// AppendWithExponent encodes the frame scaling DelayTime by the negotiated
// ack_delay_exponent transport parameter.
func (f *AckFrame) AppendWithExponent(b []byte, ackDelayExponent uint8) []byte {
	b2, _ := f.appendWithExponent(b, ackDelayExponent)
	return b2
}

func (f *AckFrame) appendWithExponent(b []byte, ackDelayExponent uint8) ([]byte, error) {
	if len(f.AckRanges) == 0 {
		return nil, errors.New("wire: cannot encode an ACK frame with no ranges")
	}
	b = append(b, byte(f.frameType()))
	b = quicvarint.Append(b, uint64(f.LargestAcked()))
	delay := uint64(f.DelayTime/time.Microsecond) >> ackDelayExponent
	b = quicvarint.Append(b, delay)
	b = quicvarint.Append(b, uint64(len(f.AckRanges)-1))
	first := f.AckRanges[0]
	b = quicvarint.Append(b, uint64(first.Len()-1))

	prevSmallest := first.Smallest
	for _, r := range f.AckRanges[1:] {
		gap := prevSmallest - r.Largest - 2
		b = quicvarint.Append(b, uint64(gap))
		b = quicvarint.Append(b, uint64(r.Len()-1))
		prevSmallest = r.Smallest
	}
	if f.ECNPresent {
		b = quicvarint.Append(b, f.ECT0)
		b = quicvarint.Append(b, f.ECT1)
		b = quicvarint.Append(b, f.ECNCE)
	}
	return b, nil
}

func (f *AckFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1)
	l += protocol.ByteCount(quicvarint.Len(uint64(f.LargestAcked())))
	l += protocol.ByteCount(quicvarint.Len(uint64(f.DelayTime / time.Microsecond)))
	l += protocol.ByteCount(quicvarint.Len(uint64(len(f.AckRanges) - 1)))
	first := f.AckRanges[0]
	l += protocol.ByteCount(quicvarint.Len(uint64(first.Len() - 1)))
	prevSmallest := first.Smallest
	for _, r := range f.AckRanges[1:] {
		gap := prevSmallest - r.Largest - 2
		l += protocol.ByteCount(quicvarint.Len(uint64(gap)))
		l += protocol.ByteCount(quicvarint.Len(uint64(r.Len() - 1)))
		prevSmallest = r.Smallest
	}
	if f.ECNPresent {
		l += protocol.ByteCount(quicvarint.Len(f.ECT0))
		l += protocol.ByteCount(quicvarint.Len(f.ECT1))
		l += protocol.ByteCount(quicvarint.Len(f.ECNCE))
	}
	return l
}
