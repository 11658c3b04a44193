package ackhandler

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/nanoq/nanoq/internal/protocol"
)

// packetNumberGenerator hands out strictly increasing packet numbers,
// occasionally skipping one at random, RFC 9000 §9.5's recommendation for
// detecting an off-path attacker that's optimistically acking packets it
// never saw. It never skips twice in a row, so a legitimate loss of a
// single packet can't be mistaken for an injected skip.
type packetNumberGenerator struct {
	averagePeriod protocol.PacketNumber

	next       protocol.PacketNumber
	nextToSkip protocol.PacketNumber
}

func newPacketNumberGenerator(initial, averagePeriod protocol.PacketNumber) *packetNumberGenerator {
	g := &packetNumberGenerator{
		next:          initial,
		averagePeriod: averagePeriod,
	}
	g.nextToSkip = g.generateNewSkip(initial)
	return g
}

// Peek returns the next packet number to use along with the one after it,
// without consuming either.
func (g *packetNumberGenerator) Peek() (protocol.PacketNumber, protocol.PacketNumber) {
	next := g.next
	if next == g.nextToSkip {
		return next + 1, next + 2
	}
	return next, next + 1
}

// Pop consumes and returns the next packet number.
func (g *packetNumberGenerator) Pop() protocol.PacketNumber {
	next := g.next
	if next == g.nextToSkip {
		next++
		g.nextToSkip = g.generateNewSkip(next)
	}
	g.next = next + 1
	return next
}

func (g *packetNumberGenerator) generateNewSkip(current protocol.PacketNumber) protocol.PacketNumber {
	offset := randomNumberUpTo(2 * uint64(g.averagePeriod))
	return current + 1 + protocol.PacketNumber(offset)
}

func randomNumberUpTo(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return n / 2
	}
	return binary.BigEndian.Uint64(b[:]) % n
}
