package nanoq

import (
	"context"
	"time"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// SendStream is the sending half of a stream.
type SendStream interface {
	StreamID() int64
	Write([]byte) (int, error)
	Close() error
	CancelWrite(errorCode uint64) error
	SetWriteDeadline(time.Time) error
	Context() context.Context
}

// ReceiveStream is the receiving half of a stream.
type ReceiveStream interface {
	StreamID() int64
	Read([]byte) (int, error)
	CancelRead(errorCode uint64) error
	SetReadDeadline(time.Time) error
}

// Stream is a bidirectional QUIC stream.
type Stream interface {
	SendStream
	ReceiveStream
	SetDeadline(time.Time) error
}

// streamSender is the connection-facing contract a stream uses to get
// itself onto the wire: schedule a packing pass, or queue a control frame
// for the next packet regardless of whether a STREAM frame fits.
type streamSender interface {
	scheduleSending(id protocol.StreamID)
	queueControlFrame(frame wire.Frame)
	onStreamCompleted(id protocol.StreamID)
}

// bidiStream composes a sendStream and a receiveStream sharing one ID and
// one flow controller, which satisfies both halves' interfaces.
type bidiStream struct {
	*sendStream
	*receiveStream
}

var _ Stream = &bidiStream{}

func newBidiStream(id protocol.StreamID, sender streamSender, fc flowcontrol.StreamFlowController) *bidiStream {
	return &bidiStream{
		sendStream:    newSendStream(id, sender, fc),
		receiveStream: newReceiveStream(id, sender, fc),
	}
}

func (s *bidiStream) StreamID() int64 { return int64(s.sendStream.streamID) }

func (s *bidiStream) closeForShutdown(err error) {
	s.sendStream.closeForShutdown(err)
	s.receiveStream.closeForShutdown(err)
}

func (s *bidiStream) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}
