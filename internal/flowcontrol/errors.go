package flowcontrol

import (
	"fmt"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/qerr"
)

func errFlowControlViolation(streamID protocol.StreamID, highestReceived, window protocol.ByteCount) error {
	return qerr.NewTransportError(qerr.FlowControlError, fmt.Sprintf("stream %d: received %d bytes, allowed %d", streamID, highestReceived, window))
}

func errConnectionFlowControlViolation(highestReceived, window protocol.ByteCount) error {
	return qerr.NewTransportError(qerr.FlowControlError, fmt.Sprintf("connection-level flow control violation: received %d bytes, allowed %d", highestReceived, window))
}
