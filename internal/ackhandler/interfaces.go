package ackhandler

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// SendMode tells the packet packer what, if anything, it should put on the
// wire right now.
type SendMode uint8

const (
	SendNone SendMode = iota
	SendAny
	SendAck
	SendPTOInitial
	SendPTOHandshake
	SendPTOAppData
)

func (m SendMode) String() string {
	switch m {
	case SendNone:
		return "none"
	case SendAny:
		return "any"
	case SendAck:
		return "ack"
	case SendPTOInitial:
		return "pto (Initial)"
	case SendPTOHandshake:
		return "pto (Handshake)"
	case SendPTOAppData:
		return "pto (Application data)"
	default:
		return "invalid send mode"
	}
}

// SentPacketHandler tracks sent packets across all three packet number
// spaces, runs loss detection, drives the congestion controller, and tells
// the packer when a probe is owed.
type SentPacketHandler interface {
	// SentPacket registers a packet just handed to the wire. frames is the
	// set of ackhandler.Frame this packet carries; isAckEliciting must
	// match HasAckElicitingFrames(frames).
	SentPacket(sentTime time.Time, pn protocol.PacketNumber, frames []*Frame, level protocol.EncryptionLevel, size protocol.ByteCount, isAckEliciting bool)

	// ReceivedAck processes an incoming ACK frame for the given encryption
	// level. rcvTime is when the ACK was received. Returns whether any
	// newly-acked packet actually carried data (as opposed to only PADDING).
	ReceivedAck(ack *wire.AckFrame, level protocol.EncryptionLevel, rcvTime time.Time) (bool, error)

	// DropPackets discards all packet-number-space state for level, called
	// when the corresponding keys are dropped (Initial after Handshake
	// keys install, Handshake once the TLS handshake confirms).
	DropPackets(level protocol.EncryptionLevel)

	// ResetForRetry clears Initial-space packet tracking after a Retry,
	// since every packet-number choice made before the Retry is void.
	ResetForRetry() error

	// PeekPacketNumber returns the next packet number in a given space,
	// without consuming it, and how many bytes it should be encoded with,
	// per RFC 9000 Appendix A. PopPacketNumber consumes it.
	PeekPacketNumber(level protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen)
	PopPacketNumber(level protocol.EncryptionLevel) protocol.PacketNumber

	SendMode(now time.Time) SendMode
	TimeUntilSend() time.Time
	GetLossDetectionTimeout() time.Time
	OnLossDetectionTimeout() error

	QueueProbePacket(level protocol.EncryptionLevel) bool

	SetHandshakeConfirmed()

	// GetBytesInFlight, GetCongestionWindow, GetPTOCount, and
	// GetLostPacketCount are read-only observability hooks: the connection
	// reads them and reports the values to nanoq/internal/metrics; nothing on
	// the send path consults them.
	GetBytesInFlight() protocol.ByteCount
	GetCongestionWindow() protocol.ByteCount
	GetPTOCount() int
	GetLostPacketCount() int

	Close(err error)
}

// ReceivedPacketHandler tracks received packet numbers per space and
// produces outgoing ACK frames, RFC 9000 §13.2.
type ReceivedPacketHandler interface {
	// ReceivedPacket registers that pn at level arrived at rcvTime.
	ReceivedPacket(pn protocol.PacketNumber, level protocol.EncryptionLevel, rcvTime time.Time, isAckEliciting bool) error

	DropPackets(level protocol.EncryptionLevel)

	GetAlarmTimeout() time.Time
	GetAckFrame(level protocol.EncryptionLevel, now time.Time) *wire.AckFrame
}
