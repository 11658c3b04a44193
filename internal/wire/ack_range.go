package wire

import "github.com/nanoq/nanoq/internal/protocol"

// AckRange is one contiguous, inclusive range of acknowledged packet
// numbers. AckFrame.AckRanges is stored largest-first.
type AckRange struct {
	Smallest protocol.PacketNumber
	Largest  protocol.PacketNumber
}

func (r AckRange) Len() protocol.PacketNumber { return r.Largest - r.Smallest + 1 }
