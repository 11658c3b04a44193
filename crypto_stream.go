package nanoq

import (
	"io"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

// cryptoStream carries TLS 1.3 handshake bytes for one encryption-level
// packet number space, RFC 9000 §4.1.3. It has no flow control and no FIN:
// the handshake just runs until tls.QUICConn says it's done.
type cryptoStream interface {
	HandleCryptoFrame(*wire.CryptoFrame) error
	GetCryptoData() []byte

	io.Writer
	HasData() bool
	PopCryptoFrame(maxLen protocol.ByteCount) *wire.CryptoFrame

	// QueueRetransmission puts a previously sent, now lost CRYPTO frame
	// back at the front of the line: handshake bytes have no other
	// tracking, so the exact frame that didn't make it is what goes out
	// again, RFC 9001 §6.3's requirement that lost handshake data be
	// retransmitted.
	QueueRetransmission(f *wire.CryptoFrame)
}

type cryptoStreamImpl struct {
	queue *frameSorter

	writeOffset     protocol.ByteCount
	writeBuf        []byte
	retransmissions []*wire.CryptoFrame
}

func newCryptoStream() cryptoStream {
	return &cryptoStreamImpl{queue: newFrameSorter()}
}

func (s *cryptoStreamImpl) HandleCryptoFrame(f *wire.CryptoFrame) error {
	return s.queue.Push(f.Data, f.Offset, false)
}

// GetCryptoData returns the next contiguous run of received handshake
// bytes, or nil if a gap blocks delivery.
func (s *cryptoStreamImpl) GetCryptoData() []byte {
	data, _ := s.queue.Pop()
	return data
}

// Write buffers handshake bytes produced by tls.QUICConn for sending in
// CRYPTO frames; it never blocks and never errors.
func (s *cryptoStreamImpl) Write(p []byte) (int, error) {
	s.writeBuf = append(s.writeBuf, p...)
	return len(p), nil
}

func (s *cryptoStreamImpl) HasData() bool {
	return len(s.retransmissions) > 0 || len(s.writeBuf) > 0
}

func (s *cryptoStreamImpl) PopCryptoFrame(maxLen protocol.ByteCount) *wire.CryptoFrame {
	if len(s.retransmissions) > 0 {
		f := s.retransmissions[0]
		if f.Length(protocol.Version1) <= maxLen {
			s.retransmissions = s.retransmissions[1:]
			return f
		}
		split := f.MaxDataLen(f.Offset, maxLen)
		if split == 0 {
			return nil
		}
		s.retransmissions[0] = &wire.CryptoFrame{Offset: f.Offset + split, Data: f.Data[split:]}
		return &wire.CryptoFrame{Offset: f.Offset, Data: f.Data[:split]}
	}

	f := &wire.CryptoFrame{Offset: s.writeOffset}
	n := utils.MinByteCount(f.MaxDataLen(s.writeOffset, maxLen), protocol.ByteCount(len(s.writeBuf)))
	f.Data = s.writeBuf[:n]
	s.writeBuf = s.writeBuf[n:]
	s.writeOffset += n
	return f
}

func (s *cryptoStreamImpl) QueueRetransmission(f *wire.CryptoFrame) {
	s.retransmissions = append(s.retransmissions, f)
}
