package wire

import "github.com/nanoq/nanoq/internal/protocol"

// HandshakeDoneFrame tells the client the handshake is confirmed server-side,
// RFC 9000 §19.20. Server-only; never sent in a 0-RTT packet.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	return append(b, byte(HandshakeDoneFrameType)), nil
}

func (f *HandshakeDoneFrame) Length(protocol.Version) protocol.ByteCount { return 1 }
