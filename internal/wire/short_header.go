package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// ShortHeader is a 1-RTT packet header, RFC 9000 §17.3.
type ShortHeader struct {
	DestConnectionID protocol.ConnectionID
	PacketNumber     protocol.PacketNumber
	PacketNumberLen  protocol.PacketNumberLen
	KeyPhase         protocol.KeyPhaseBit
}

// ParseShortHeader parses a short header whose first byte has already been
// header-protection-unmasked. connIDLen is the locally configured length of
// destination connection IDs, since the short header doesn't carry one.
func ParseShortHeader(data []byte, connIDLen int) (*ShortHeader, int, error) {
	if len(data) == 0 {
		return nil, 0, io.EOF
	}
	if data[0]&0x80 > 0 {
		return nil, 0, errors.New("wire: not a short header packet")
	}
	if data[0]&0x40 == 0 {
		return nil, 0, errors.New("wire: not a QUIC packet")
	}
	pnLen := protocol.PacketNumberLen(data[0]&0b11) + 1
	if len(data) < 1+int(pnLen)+connIDLen {
		return nil, 0, io.EOF
	}
	destConnID := protocol.ParseConnectionID(data[1 : 1+connIDLen])

	pos := 1 + connIDLen
	var pn protocol.PacketNumber
	switch pnLen {
	case protocol.PacketNumberLen1:
		pn = protocol.PacketNumber(data[pos])
	case protocol.PacketNumberLen2:
		pn = protocol.PacketNumber(utils.BigEndian.Uint16(data[pos : pos+2]))
	case protocol.PacketNumberLen3:
		pn = protocol.PacketNumber(utils.BigEndian.Uint24(data[pos : pos+3]))
	case protocol.PacketNumberLen4:
		pn = protocol.PacketNumber(utils.BigEndian.Uint32(data[pos : pos+4]))
	default:
		return nil, 0, fmt.Errorf("wire: invalid packet number length: %d", pnLen)
	}
	kp := protocol.KeyPhaseZero
	if data[0]&0b100 > 0 {
		kp = protocol.KeyPhaseOne
	}
	var err error
	if data[0]&0x18 != 0 {
		err = ErrInvalidReservedBits
	}
	h := &ShortHeader{
		DestConnectionID: destConnID,
		PacketNumber:     pn,
		PacketNumberLen:  pnLen,
		KeyPhase:         kp,
	}
	return h, pos + int(pnLen), err
}

// Len returns the header's on-wire length, excluding any header protection
// sample bytes borrowed from the payload.
func (h *ShortHeader) Len() protocol.ByteCount {
	return 1 + protocol.ByteCount(h.DestConnectionID.Len()) + protocol.ByteCount(h.PacketNumberLen)
}

// Append writes the first byte and connection ID and packet number in the
// clear; the caller applies header protection afterwards.
func (h *ShortHeader) Append(b []byte) []byte {
	firstByte := byte(0x40)
	if h.KeyPhase == protocol.KeyPhaseOne {
		firstByte |= 0b100
	}
	firstByte |= byte(h.PacketNumberLen - 1)
	b = append(b, firstByte)
	b = append(b, h.DestConnectionID.Bytes()...)
	return appendPacketNumber(b, h.PacketNumber, h.PacketNumberLen)
}

func appendPacketNumber(b []byte, pn protocol.PacketNumber, l protocol.PacketNumberLen) []byte {
	switch l {
	case protocol.PacketNumberLen1:
		return append(b, byte(pn))
	case protocol.PacketNumberLen2:
		return append(b, byte(pn>>8), byte(pn))
	case protocol.PacketNumberLen3:
		return append(b, byte(pn>>16), byte(pn>>8), byte(pn))
	case protocol.PacketNumberLen4:
		return append(b, byte(pn>>24), byte(pn>>16), byte(pn>>8), byte(pn))
	default:
		panic(fmt.Sprintf("wire: invalid packet number length: %d", l))
	}
}

// PacketNumberLengthForHeader picks the shortest encoding of pn that is
// still unambiguous given the largest packet number the peer has
// acknowledged, RFC 9000 §17.1.
func PacketNumberLengthForHeader(pn, largestAcked protocol.PacketNumber) protocol.PacketNumberLen {
	return protocol.PacketNumberLengthForHeader(pn, largestAcked)
}

// DecodePacketNumber reconstructs the full packet number from its truncated
// wire representation, RFC 9000 Appendix A.3.
func DecodePacketNumber(l protocol.PacketNumberLen, largest protocol.PacketNumber, truncated protocol.PacketNumber) protocol.PacketNumber {
	return protocol.DecodePacketNumber(l, largest, truncated)
}
