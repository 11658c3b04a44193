// Package qerr defines the transport- and application-level error types a
// QUIC endpoint sends and receives in CONNECTION_CLOSE frames.
package qerr

import "fmt"

// TransportErrorCode is a QUIC transport error code, RFC 9000 §20.1.
type TransportErrorCode uint64

const (
	NoError                 TransportErrorCode = 0x0
	InternalError           TransportErrorCode = 0x1
	ConnectionRefused       TransportErrorCode = 0x2
	FlowControlError        TransportErrorCode = 0x3
	StreamLimitError        TransportErrorCode = 0x4
	StreamStateError        TransportErrorCode = 0x5
	FinalSizeError          TransportErrorCode = 0x6
	FrameEncodingError      TransportErrorCode = 0x7
	TransportParameterError TransportErrorCode = 0x8
	ConnectionIDLimitError  TransportErrorCode = 0x9
	ProtocolViolation       TransportErrorCode = 0xa
	InvalidToken            TransportErrorCode = 0xb
	ApplicationErrorCode    TransportErrorCode = 0xc
	CryptoBufferExceeded    TransportErrorCode = 0xd
	KeyUpdateError          TransportErrorCode = 0xe
	AEADLimitReached        TransportErrorCode = 0xf
	NoViablePathError       TransportErrorCode = 0x10

	// CryptoErrorBase + a TLS alert gives the transport error code for a
	// handshake failure (RFC 9000 §20.1, "CRYPTO_ERROR").
	CryptoErrorBase TransportErrorCode = 0x100
)

func (e TransportErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case ConnectionRefused:
		return "CONNECTION_REFUSED"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case StreamStateError:
		return "STREAM_STATE_ERROR"
	case FinalSizeError:
		return "FINAL_SIZE_ERROR"
	case FrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case TransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case ConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case InvalidToken:
		return "INVALID_TOKEN"
	case ApplicationErrorCode:
		return "APPLICATION_ERROR"
	case CryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case KeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case AEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case NoViablePathError:
		return "NO_VIABLE_PATH"
	default:
		if e >= CryptoErrorBase {
			return fmt.Sprintf("CRYPTO_ERROR (alert %d)", uint16(e-CryptoErrorBase))
		}
		return fmt.Sprintf("unknown error code: %#x", uint64(e))
	}
}

// TransportError is raised locally on a protocol violation and sent to the
// peer as a CONNECTION_CLOSE frame of type 0x1c.
type TransportError struct {
	ErrorCode    TransportErrorCode
	FrameType    uint64
	ErrorMessage string
	Remote       bool // set when this error was received from the peer, not raised locally
}

func (e *TransportError) Error() string {
	if e.ErrorMessage == "" {
		return e.ErrorCode.String()
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.ErrorMessage)
}

// NewTransportError builds a locally-raised TransportError.
func NewTransportError(code TransportErrorCode, msg string) *TransportError {
	return &TransportError{ErrorCode: code, ErrorMessage: msg}
}

// ApplicationError is raised by the application and sent as a
// CONNECTION_CLOSE frame of type 0x1d.
type ApplicationError struct {
	ErrorCode    uint64
	ErrorMessage string
	Remote       bool
}

func (e *ApplicationError) Error() string {
	if e.ErrorMessage == "" {
		return fmt.Sprintf("Application error %#x", e.ErrorCode)
	}
	return fmt.Sprintf("Application error %#x: %s", e.ErrorCode, e.ErrorMessage)
}

// HandshakeTimeoutError is returned when the handshake doesn't complete
// within the configured handshake timeout.
type HandshakeTimeoutError struct{}

func (HandshakeTimeoutError) Error() string { return "Handshake did not complete in time" }
func (HandshakeTimeoutError) Timeout() bool { return true }

// IdleTimeoutError is returned when the connection times out because no
// packets were exchanged for the negotiated idle period.
type IdleTimeoutError struct{}

func (IdleTimeoutError) Error() string { return "timeout: no recent network activity" }
func (IdleTimeoutError) Timeout() bool { return true }

// VersionNegotiationError is returned to the client when no compatible
// version was offered.
type VersionNegotiationError struct {
	Ours, Theirs []uint32
}

func (e *VersionNegotiationError) Error() string {
	return fmt.Sprintf("no compatible QUIC version found (we support %v, server offered %v)", e.Ours, e.Theirs)
}

// StatelessResetError is surfaced to the application when a peer's
// stateless reset token is recognized on the wire.
type StatelessResetError struct{}

func (StatelessResetError) Error() string { return "received a stateless reset" }

// ErrConnectionIsClosed is returned by operations attempted after a
// connection has entered the Closed state.
var ErrConnectionIsClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "connection is closed" }
