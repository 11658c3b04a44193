package ackhandler

import "github.com/nanoq/nanoq/internal/wire"

// IsFrameAckEliciting reports whether sending f obliges the peer to send an
// ACK back within the usual delay bounds, RFC 9000 §13.2.
func IsFrameAckEliciting(f wire.Frame) bool {
	switch f.(type) {
	case *wire.AckFrame, *wire.ConnectionCloseFrame:
		return false
	default:
		return true
	}
}

// HasAckElicitingFrames reports whether any frame in fs is ack-eliciting.
func HasAckElicitingFrames(fs []wire.Frame) bool {
	for _, f := range fs {
		if IsFrameAckEliciting(f) {
			return true
		}
	}
	return false
}
