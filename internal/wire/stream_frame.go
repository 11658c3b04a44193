package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// StreamFrame carries application stream bytes, RFC 9000 §19.8. The frame
// type's low three bits are OFF (explicit offset present), LEN (explicit
// length present, else "rest of packet"), and FIN.
type StreamFrame struct {
	StreamID       protocol.StreamID
	Offset         protocol.ByteCount
	Data           []byte
	Fin            bool
	DataLenPresent bool
}

func parseStreamFrame(b []byte, typ FrameType) (*StreamFrame, int, error) {
	startLen := len(b)
	hasOffset := typ&0x4 != 0
	hasLen := typ&0x2 != 0
	fin := typ&0x1 != 0

	sid, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]

	f := &StreamFrame{StreamID: protocol.StreamID(sid), Fin: fin, DataLenPresent: hasLen}
	if hasOffset {
		off, n, err := quicvarint.Parse(b)
		if err != nil {
			return nil, 0, err
		}
		b = b[n:]
		f.Offset = protocol.ByteCount(off)
	}

	var dataLen uint64
	if hasLen {
		l, n, err := quicvarint.Parse(b)
		if err != nil {
			return nil, 0, err
		}
		b = b[n:]
		dataLen = l
		if uint64(len(b)) < dataLen {
			return nil, 0, errNotEnoughData
		}
	} else {
		dataLen = uint64(len(b))
	}
	f.Data = make([]byte, dataLen)
	copy(f.Data, b[:dataLen])
	consumed := startLen - len(b) + int(dataLen)
	return f, consumed, nil
}

func (f *StreamFrame) typeByte() FrameType {
	t := FrameType(0x08)
	if f.Offset != 0 {
		t |= 0x4
	}
	if f.DataLenPresent {
		t |= 0x2
	}
	if f.Fin {
		t |= 0x1
	}
	return t
}

func (f *StreamFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(f.typeByte()))
	b = quicvarint.Append(b, uint64(f.StreamID))
	if f.Offset != 0 {
		b = quicvarint.Append(b, uint64(f.Offset))
	}
	if f.DataLenPresent {
		b = quicvarint.Append(b, uint64(len(f.Data)))
	}
	return append(b, f.Data...), nil
}

func (f *StreamFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1 + quicvarint.Len(uint64(f.StreamID)))
	if f.Offset != 0 {
		l += protocol.ByteCount(quicvarint.Len(uint64(f.Offset)))
	}
	if f.DataLenPresent {
		l += protocol.ByteCount(quicvarint.Len(uint64(len(f.Data))))
	}
	return l + protocol.ByteCount(len(f.Data))
}

// MaxDataLen returns how many bytes of stream data fit in maxLen total
// bytes, given the frame's StreamID/Offset/DataLenPresent are already set.
func (f *StreamFrame) MaxDataLen(maxLen protocol.ByteCount) protocol.ByteCount {
	headerLen := protocol.ByteCount(1 + quicvarint.Len(uint64(f.StreamID)))
	if f.Offset != 0 {
		headerLen += protocol.ByteCount(quicvarint.Len(uint64(f.Offset)))
	}
	if !f.DataLenPresent {
		if maxLen <= headerLen {
			return 0
		}
		return maxLen - headerLen
	}
	if maxLen <= headerLen {
		return 0
	}
	remaining := maxLen - headerLen
	lenFieldLen := protocol.ByteCount(quicvarint.Len(uint64(remaining)))
	if remaining <= lenFieldLen {
		return 0
	}
	return remaining - lenFieldLen
}

// SplitOff detaches the tail of the frame's data starting at n
// into a new frame, truncating the receiver in place. Used when a STREAM
// frame doesn't fit in the remaining packet budget.
func (f *StreamFrame) SplitOff(n protocol.ByteCount) *StreamFrame {
	rest := &StreamFrame{
		StreamID:       f.StreamID,
		Offset:         f.Offset + n,
		Data:           f.Data[n:],
		Fin:            f.Fin,
		DataLenPresent: f.DataLenPresent,
	}
	f.Data = f.Data[:n]
	f.Fin = false
	return rest
}
