package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// MaxDataFrame raises the connection-level receive flow-control limit,
// RFC 9000 §19.9.
type MaxDataFrame struct {
	MaximumData protocol.ByteCount
}

func parseMaxDataFrame(b []byte) (*MaxDataFrame, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	return &MaxDataFrame{MaximumData: protocol.ByteCount(v)}, n, nil
}

func (f *MaxDataFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(MaxDataFrameType))
	return quicvarint.Append(b, uint64(f.MaximumData)), nil
}

func (f *MaxDataFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.MaximumData)))
}

// MaxStreamDataFrame raises a single stream's receive flow-control limit,
// RFC 9000 §19.10.
type MaxStreamDataFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func parseMaxStreamDataFrame(b []byte) (*MaxStreamDataFrame, int, error) {
	startLen := len(b)
	sid, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	return &MaxStreamDataFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, startLen - len(b), nil
}

func (f *MaxStreamDataFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(MaxStreamDataFrameType))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.MaximumStreamData)), nil
}

func (f *MaxStreamDataFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamID))) + protocol.ByteCount(quicvarint.Len(uint64(f.MaximumStreamData)))
}

// MaxStreamsFrame raises the number of streams of one kind the peer may open,
// RFC 9000 §19.11.
type MaxStreamsFrame struct {
	Unidirectional bool
	MaxStreamNum   int64
}

func parseMaxStreamsFrame(b []byte, typ FrameType) (*MaxStreamsFrame, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	return &MaxStreamsFrame{Unidirectional: typ == UniMaxStreamsFrameType, MaxStreamNum: int64(v)}, n, nil
}

func (f *MaxStreamsFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	t := BidiMaxStreamsFrameType
	if f.Unidirectional {
		t = UniMaxStreamsFrameType
	}
	b = append(b, byte(t))
	return quicvarint.Append(b, uint64(f.MaxStreamNum)), nil
}

func (f *MaxStreamsFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.MaxStreamNum)))
}

// DataBlockedFrame tells the peer the sender is connection-flow-control
// blocked, RFC 9000 §19.12.
type DataBlockedFrame struct {
	MaximumData protocol.ByteCount
}

func parseDataBlockedFrame(b []byte) (*DataBlockedFrame, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	return &DataBlockedFrame{MaximumData: protocol.ByteCount(v)}, n, nil
}

func (f *DataBlockedFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(DataBlockedFrameType))
	return quicvarint.Append(b, uint64(f.MaximumData)), nil
}

func (f *DataBlockedFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.MaximumData)))
}

// StreamDataBlockedFrame tells the peer the sender is stream-flow-control
// blocked, RFC 9000 §19.13.
type StreamDataBlockedFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func parseStreamDataBlockedFrame(b []byte) (*StreamDataBlockedFrame, int, error) {
	startLen := len(b)
	sid, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	return &StreamDataBlockedFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, startLen - len(b), nil
}

func (f *StreamDataBlockedFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(StreamDataBlockedType))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.MaximumStreamData)), nil
}

func (f *StreamDataBlockedFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamID))) + protocol.ByteCount(quicvarint.Len(uint64(f.MaximumStreamData)))
}

// StreamsBlockedFrame tells the peer the sender hit its stream-count limit,
// RFC 9000 §19.14.
type StreamsBlockedFrame struct {
	Unidirectional bool
	StreamLimit    int64
}

func parseStreamsBlockedFrame(b []byte, typ FrameType) (*StreamsBlockedFrame, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	return &StreamsBlockedFrame{Unidirectional: typ == UniStreamBlockedType, StreamLimit: int64(v)}, n, nil
}

func (f *StreamsBlockedFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	t := BidiStreamBlockedType
	if f.Unidirectional {
		t = UniStreamBlockedType
	}
	b = append(b, byte(t))
	return quicvarint.Append(b, uint64(f.StreamLimit)), nil
}

func (f *StreamsBlockedFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamLimit)))
}
