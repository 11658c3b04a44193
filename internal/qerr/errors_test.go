package qerr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportErrorCodeStringKnownCodes(t *testing.T) {
	require.Equal(t, "NO_ERROR", NoError.String())
	require.Equal(t, "PROTOCOL_VIOLATION", ProtocolViolation.String())
	require.Equal(t, "AEAD_LIMIT_REACHED", AEADLimitReached.String())
}

func TestTransportErrorCodeStringCryptoError(t *testing.T) {
	code := CryptoErrorBase + 42
	require.Equal(t, "CRYPTO_ERROR (alert 42)", code.String())
}

func TestTransportErrorCodeStringUnknown(t *testing.T) {
	var code TransportErrorCode = 0xff
	require.Equal(t, "unknown error code: 0xff", code.String())
}

func TestTransportErrorErrorMessage(t *testing.T) {
	err := NewTransportError(FlowControlError, "")
	require.Equal(t, "FLOW_CONTROL_ERROR", err.Error())

	err2 := NewTransportError(FlowControlError, "too much data")
	require.Equal(t, "FLOW_CONTROL_ERROR: too much data", err2.Error())
}

func TestApplicationErrorMessage(t *testing.T) {
	err := &ApplicationError{ErrorCode: 0x2a}
	require.Equal(t, "Application error 0x2a", err.Error())

	err2 := &ApplicationError{ErrorCode: 0x2a, ErrorMessage: "bye"}
	require.Equal(t, "Application error 0x2a: bye", err2.Error())
}

func TestHandshakeTimeoutErrorIsTimeout(t *testing.T) {
	var err HandshakeTimeoutError
	require.True(t, err.Timeout())
	require.NotEmpty(t, err.Error())
}

func TestIdleTimeoutErrorIsTimeout(t *testing.T) {
	var err IdleTimeoutError
	require.True(t, err.Timeout())
}

func TestVersionNegotiationErrorMessage(t *testing.T) {
	err := &VersionNegotiationError{Ours: []uint32{1}, Theirs: []uint32{2, 3}}
	require.Contains(t, err.Error(), "no compatible QUIC version found")
}

func TestErrConnectionIsClosedMessage(t *testing.T) {
	require.Equal(t, "connection is closed", ErrConnectionIsClosed.Error())
}
