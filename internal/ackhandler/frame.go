package ackhandler

import "github.com/nanoq/nanoq/internal/wire"

// Frame wraps a wire.Frame with the callbacks the sender needs once the
// packet carrying it is acknowledged or declared lost. OnLost and OnAcked
// are nil for frames that don't need tracking past encoding (PADDING).
type Frame struct {
	wire.Frame

	// OnLost is called when the packet carrying this frame is declared
	// lost. Streams use it to requeue the data; connection-level frames
	// use it to resend themselves verbatim.
	OnLost func(wire.Frame)

	// OnAcked is called when the packet carrying this frame is acknowledged.
	OnAcked func(wire.Frame)

	retransmittedAs *Frame
}

// StreamFrame constructs a Frame from a *wire.StreamFrame with an OnLost
// callback that requeues the frame's data and an OnAcked that marks it
// received, mirroring the retransmission chain a stream needs to track
// which copy of a range of data actually landed.
func StreamFrame(f *wire.StreamFrame, onLost, onAcked func(wire.Frame)) *Frame {
	return &Frame{Frame: f, OnLost: onLost, OnAcked: onAcked}
}
