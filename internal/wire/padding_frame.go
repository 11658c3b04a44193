package wire

import "github.com/nanoq/nanoq/internal/protocol"

// PaddingFrame is a single zero byte, RFC 9000 §19.1. This module's packer
// does not build these: it pads a client's Initial datagram to 1200 bytes by
// appending zero bytes after the last packet.
type PaddingFrame struct{}

func (f *PaddingFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	return append(b, 0x0), nil
}

func (f *PaddingFrame) Length(protocol.Version) protocol.ByteCount { return 1 }
