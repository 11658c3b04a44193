package wire

import "github.com/nanoq/nanoq/internal/protocol"

// FrameType is a QUIC frame type byte (varint-encoded on the wire), RFC 9000 §19.
type FrameType uint64

const (
	PaddingFrameType         FrameType = 0x0
	PingFrameType            FrameType = 0x1
	AckFrameType             FrameType = 0x2
	AckECNFrameType          FrameType = 0x3
	ResetStreamFrameType     FrameType = 0x4
	StopSendingFrameType     FrameType = 0x5
	CryptoFrameType          FrameType = 0x6
	NewTokenFrameType        FrameType = 0x7
	MaxDataFrameType         FrameType = 0x10
	MaxStreamDataFrameType   FrameType = 0x11
	BidiMaxStreamsFrameType  FrameType = 0x12
	UniMaxStreamsFrameType   FrameType = 0x13
	DataBlockedFrameType     FrameType = 0x14
	StreamDataBlockedType    FrameType = 0x15
	BidiStreamBlockedType    FrameType = 0x16
	UniStreamBlockedType     FrameType = 0x17
	NewConnectionIDType      FrameType = 0x18
	RetireConnectionIDType   FrameType = 0x19
	PathChallengeFrameType   FrameType = 0x1a
	PathResponseFrameType    FrameType = 0x1b
	ConnectionCloseFrameType FrameType = 0x1c
	ApplicationCloseType     FrameType = 0x1d
	HandshakeDoneFrameType   FrameType = 0x1e
)

// IsStreamFrameType reports whether t is in the STREAM frame type range,
// 0x08-0x0f, whose low three bits encode OFF/LEN/FIN.
func (t FrameType) IsStreamFrameType() bool {
	return t >= 0x08 && t <= 0x0f
}

// IsAllowedAtEncLevel implements the per-level frame restrictions of
// RFC 9000 §12.4 (e.g. STREAM frames cannot appear in an Initial packet).
func (t FrameType) IsAllowedAtEncLevel(level protocol.EncryptionLevel) bool {
	switch level {
	case protocol.EncryptionInitial, protocol.EncryptionHandshake:
		switch t {
		case CryptoFrameType, AckFrameType, AckECNFrameType, ConnectionCloseFrameType, PingFrameType, PaddingFrameType:
			return true
		default:
			return false
		}
	case protocol.Encryption0RTT:
		switch t {
		case AckFrameType, AckECNFrameType, ConnectionCloseFrameType, ApplicationCloseType,
			NewTokenFrameType, PathResponseFrameType, RetireConnectionIDType, HandshakeDoneFrameType:
			return false
		default:
			return true
		}
	case protocol.Encryption1RTT:
		return true
	default:
		return false
	}
}

func (t FrameType) String() string {
	switch t {
	case PaddingFrameType:
		return "PADDING"
	case PingFrameType:
		return "PING"
	case AckFrameType, AckECNFrameType:
		return "ACK"
	case ResetStreamFrameType:
		return "RESET_STREAM"
	case StopSendingFrameType:
		return "STOP_SENDING"
	case CryptoFrameType:
		return "CRYPTO"
	case NewTokenFrameType:
		return "NEW_TOKEN"
	case MaxDataFrameType:
		return "MAX_DATA"
	case MaxStreamDataFrameType:
		return "MAX_STREAM_DATA"
	case BidiMaxStreamsFrameType, UniMaxStreamsFrameType:
		return "MAX_STREAMS"
	case DataBlockedFrameType:
		return "DATA_BLOCKED"
	case StreamDataBlockedType:
		return "STREAM_DATA_BLOCKED"
	case BidiStreamBlockedType, UniStreamBlockedType:
		return "STREAMS_BLOCKED"
	case NewConnectionIDType:
		return "NEW_CONNECTION_ID"
	case RetireConnectionIDType:
		return "RETIRE_CONNECTION_ID"
	case PathChallengeFrameType:
		return "PATH_CHALLENGE"
	case PathResponseFrameType:
		return "PATH_RESPONSE"
	case ConnectionCloseFrameType, ApplicationCloseType:
		return "CONNECTION_CLOSE"
	case HandshakeDoneFrameType:
		return "HANDSHAKE_DONE"
	default:
		if t.IsStreamFrameType() {
			return "STREAM"
		}
		return "unknown frame type"
	}
}
