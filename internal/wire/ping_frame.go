package wire

import "github.com/nanoq/nanoq/internal/protocol"

// PingFrame is an empty frame that only serves to elicit an ACK, RFC 9000 §19.2.
type PingFrame struct{}

func (f *PingFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	return append(b, byte(PingFrameType)), nil
}

func (f *PingFrame) Length(protocol.Version) protocol.ByteCount { return 1 }
