package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// ResetStreamFrame abruptly terminates the sending part of a stream,
// RFC 9000 §19.4.
type ResetStreamFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
	FinalSize protocol.ByteCount
}

func parseResetStreamFrame(b []byte) (*ResetStreamFrame, int, error) {
	startLen := len(b)
	sid, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	code, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	size, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	return &ResetStreamFrame{
		StreamID:  protocol.StreamID(sid),
		ErrorCode: code,
		FinalSize: protocol.ByteCount(size),
	}, startLen - len(b), nil
}

func (f *ResetStreamFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(ResetStreamFrameType))
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, f.ErrorCode)
	return quicvarint.Append(b, uint64(f.FinalSize)), nil
}

func (f *ResetStreamFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamID))) +
		protocol.ByteCount(quicvarint.Len(f.ErrorCode)) +
		protocol.ByteCount(quicvarint.Len(uint64(f.FinalSize)))
}

// StopSendingFrame asks the peer to reset a stream it is sending on,
// RFC 9000 §19.5.
type StopSendingFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
}

func parseStopSendingFrame(b []byte) (*StopSendingFrame, int, error) {
	startLen := len(b)
	sid, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	code, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	return &StopSendingFrame{StreamID: protocol.StreamID(sid), ErrorCode: code}, startLen - len(b), nil
}

func (f *StopSendingFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(StopSendingFrameType))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, f.ErrorCode), nil
}

func (f *StopSendingFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.StreamID))) + protocol.ByteCount(quicvarint.Len(f.ErrorCode))
}
