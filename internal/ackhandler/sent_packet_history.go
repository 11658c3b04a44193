package ackhandler

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// Packet is a sent packet tracked until it's acknowledged, declared lost, or
// its space is dropped.
type Packet struct {
	PacketNumber    protocol.PacketNumber
	Frames          []*Frame
	Length          protocol.ByteCount
	EncryptionLevel protocol.EncryptionLevel

	SendTime         time.Time
	Ack              *wire.AckFrame // the ACK frame this packet carried, if any
	IsPathMTUProbe   bool
	IncludedInBytesInFlight bool
	declaredLost     bool
	SkippedPacket    bool
}

func (p *Packet) outstanding() bool {
	return !p.declaredLost && !p.SkippedPacket
}

// sentPacketHistory keeps sent-but-unacknowledged packets for one packet
// number space, in a slice kept in ascending packet number order; lookups
// scan it linearly.
type sentPacketHistory struct {
	packets []*Packet

	firstOutstanding int
}

func newSentPacketHistory() *sentPacketHistory {
	return &sentPacketHistory{}
}

func (h *sentPacketHistory) SentPacket(p *Packet) {
	if len(h.packets) > 0 {
		if last := h.packets[len(h.packets)-1].PacketNumber; p.PacketNumber <= last {
			panic("sent_packet_history: packet numbers must increase")
		}
	}
	h.packets = append(h.packets, p)
}

func (h *sentPacketHistory) SkippedPacket(pn protocol.PacketNumber) {
	h.SentPacket(&Packet{PacketNumber: pn, SkippedPacket: true})
}

// Packet looks up a sent packet by number; returns nil if not tracked.
func (h *sentPacketHistory) Packet(pn protocol.PacketNumber) *Packet {
	for _, p := range h.packets {
		if p.PacketNumber == pn {
			return p
		}
	}
	return nil
}

// FirstOutstanding returns the lowest-numbered packet still counted in
// flight, or nil if none remain.
func (h *sentPacketHistory) FirstOutstanding() *Packet {
	for _, p := range h.packets {
		if p.outstanding() {
			return p
		}
	}
	return nil
}

// Len reports how many packets (including declared-lost and skipped
// placeholders not yet pruned) are still tracked.
func (h *sentPacketHistory) Len() int { return len(h.packets) }

// Iterate calls cb for every tracked packet in ascending packet number
// order, stopping early if cb returns false. It walks a snapshot of the
// history, so cb may Remove packets without any being skipped.
func (h *sentPacketHistory) Iterate(cb func(*Packet) (bool, error)) error {
	for _, p := range append([]*Packet(nil), h.packets...) {
		cont, err := cb(p)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Remove drops a packet from tracking once it's been acknowledged or its
// loss has been fully processed.
func (h *sentPacketHistory) Remove(pn protocol.PacketNumber) {
	for i, p := range h.packets {
		if p.PacketNumber == pn {
			h.packets = append(h.packets[:i], h.packets[i+1:]...)
			return
		}
	}
}

// DeclareLost marks a packet as lost without removing it, so duplicate loss
// detection passes don't double-count it.
func (h *sentPacketHistory) DeclareLost(pn protocol.PacketNumber) {
	if p := h.Packet(pn); p != nil {
		p.declaredLost = true
	}
}
