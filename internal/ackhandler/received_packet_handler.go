package ackhandler

import (
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

// receivedPacketHandler wraps one receivedPacketTracker per packet number
// space, mirroring sentPacketHandler's per-space split.
type receivedPacketHandler struct {
	initial     *receivedPacketTracker
	handshake   *receivedPacketTracker
	appData     *receivedPacketTracker

	initialDropped   bool
	handshakeDropped bool
}

// NewReceivedPacketHandler builds a handler tracking received packets and
// owed ACKs across all three packet number spaces.
func NewReceivedPacketHandler(rttStats *utils.RTTStats, logger utils.Logger) ReceivedPacketHandler {
	return &receivedPacketHandler{
		initial:   newReceivedPacketTracker(rttStats, logger),
		handshake: newReceivedPacketTracker(rttStats, logger),
		appData:   newReceivedPacketTracker(rttStats, logger),
	}
}

func (h *receivedPacketHandler) tracker(level protocol.EncryptionLevel) *receivedPacketTracker {
	switch level {
	case protocol.EncryptionInitial:
		return h.initial
	case protocol.EncryptionHandshake:
		return h.handshake
	case protocol.Encryption0RTT, protocol.Encryption1RTT:
		return h.appData
	default:
		panic(fmt.Sprintf("received_packet_handler: unexpected encryption level %s", level))
	}
}

func (h *receivedPacketHandler) ReceivedPacket(pn protocol.PacketNumber, level protocol.EncryptionLevel, rcvTime time.Time, isAckEliciting bool) error {
	return h.tracker(level).ReceivedPacket(pn, rcvTime, isAckEliciting)
}

func (h *receivedPacketHandler) DropPackets(level protocol.EncryptionLevel) {
	switch level {
	case protocol.EncryptionInitial:
		h.initialDropped = true
		h.initial = nil
	case protocol.EncryptionHandshake:
		h.handshakeDropped = true
		h.handshake = nil
	}
}

func (h *receivedPacketHandler) GetAlarmTimeout() time.Time {
	var deadline time.Time
	for _, t := range h.activeTrackers() {
		alarm := t.GetAlarmTimeout()
		if alarm.IsZero() {
			continue
		}
		if deadline.IsZero() || alarm.Before(deadline) {
			deadline = alarm
		}
	}
	return deadline
}

func (h *receivedPacketHandler) GetAckFrame(level protocol.EncryptionLevel, now time.Time) *wire.AckFrame {
	var t *receivedPacketTracker
	switch level {
	case protocol.EncryptionInitial:
		if h.initialDropped {
			return nil
		}
		t = h.initial
	case protocol.EncryptionHandshake:
		if h.handshakeDropped {
			return nil
		}
		t = h.handshake
	default:
		t = h.appData
	}
	return t.GetAckFrame(now, true)
}

func (h *receivedPacketHandler) activeTrackers() []*receivedPacketTracker {
	var ts []*receivedPacketTracker
	if !h.initialDropped {
		ts = append(ts, h.initial)
	}
	if !h.handshakeDropped {
		ts = append(ts, h.handshake)
	}
	ts = append(ts, h.appData)
	return ts
}

var _ ReceivedPacketHandler = &receivedPacketHandler{}
