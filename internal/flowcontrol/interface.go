// Package flowcontrol implements per-stream and per-connection send/receive
// window accounting, RFC 9000 §4. Windows on both sides auto-tune: the
// receive window increment doubles when updates are happening faster than
// the threshold interval below, up to a configured maximum.
package flowcontrol

import "github.com/nanoq/nanoq/internal/protocol"

// windowUpdateThreshold is the fraction of the receive window that must
// still be unconsumed before a MAX_DATA/MAX_STREAM_DATA update is skipped;
// falling below it triggers an update.
const windowUpdateThreshold = 0.25

// SendFlowController is the sender side of one flow-control window: either
// a stream's or the whole connection's.
type SendFlowController interface {
	// SendWindowSize reports how many more bytes may be sent right now.
	SendWindowSize() protocol.ByteCount
	// UpdateSendWindow processes a MAX_DATA/MAX_STREAM_DATA offset from the
	// peer; returns whether it actually raised the window.
	UpdateSendWindow(offset protocol.ByteCount) bool
	// AddBytesSent accounts for n bytes just handed to the wire.
	AddBytesSent(n protocol.ByteCount)
	// IsNewlyBlocked reports whether the window was just exhausted and, if
	// so, the offset a STREAM_DATA_BLOCKED/DATA_BLOCKED frame should carry.
	IsNewlyBlocked() (bool, protocol.ByteCount)
}

// ReceiveFlowController is the receiver side of one flow-control window.
type ReceiveFlowController interface {
	// AddBytesRead accounts for n bytes the application has now consumed.
	AddBytesRead(n protocol.ByteCount)
	// UpdateHighestReceived records byteOffset as the new high-water mark
	// for data seen (not necessarily yet read). An offset below the mark
	// leaves it unchanged; only a final one returns
	// ErrReceivedSmallerByteOffset.
	UpdateHighestReceived(byteOffset protocol.ByteCount, final bool) error
	// GetWindowUpdate returns the MAX_DATA/MAX_STREAM_DATA offset to send,
	// or 0 if none is due yet.
	GetWindowUpdate() protocol.ByteCount
}

// StreamFlowController combines both directions for a single stream, plus
// the connection-level bookkeeping a stream's received bytes feed into.
type StreamFlowController interface {
	SendFlowController
	ReceiveFlowController
	// Abandon is called once the stream is fully read or reset. The stream
	// flow controller does nothing here: it releases no connection-level
	// receive-window credit.
	Abandon()
}

// ConnectionFlowController combines both directions for the connection as a
// whole; IncrementHighestReceived is called by each stream as STREAM data
// arrives, since connection flow control tracks data in aggregate rather
// than per-offset.
type ConnectionFlowController interface {
	SendFlowController
	ReceiveFlowController
	IncrementHighestReceived(increment protocol.ByteCount) error
	EnsureMinimumWindowIncrement(inc protocol.ByteCount)
}
