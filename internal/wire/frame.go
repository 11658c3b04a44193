// Package wire implements QUIC packet and frame encoding/decoding:
// varint-based frame bodies (RFC 9000 §19), long- and short-header packet
// framing (RFC 9000 §17), and the byte-level half of header protection
// (RFC 9001 §5.4) — applying a mask the crypto layer computes.
package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
)

// Frame is any QUIC frame that can be written to an outgoing packet.
type Frame interface {
	Append(b []byte, v protocol.Version) ([]byte, error)
	Length(v protocol.Version) protocol.ByteCount
}
