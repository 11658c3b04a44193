package nanoq

import (
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/handshake"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// unpackedPacket is one QUIC packet that has passed AEAD authentication:
// its header is fully resolved and its payload is ready for frame parsing.
type unpackedPacket struct {
	encryptionLevel protocol.EncryptionLevel
	packetNumber    protocol.PacketNumber
	hdr             *wire.Header // nil for a short header packet
	data            []byte       // decrypted payload, still containing frames
}

// packetUnpacker removes header protection and AEAD-opens one packet at a
// time. Grounded on the teacher's older `packet_unpacker.go` for the
// overall Unpack-returns-(*unpackedPacket, error) shape; the header
// protection removal and two-stage (long header vs. short header) split
// below follow RFC 9001 §5.4 directly, since the teacher's own modern
// unpacker didn't survive retrieval into this pack.
type packetUnpacker struct {
	cryptoSetup          handshake.CryptoHandler
	shortHeaderConnIDLen int
}

func newPacketUnpacker(cs handshake.CryptoHandler, shortHeaderConnIDLen int) *packetUnpacker {
	return &packetUnpacker{cryptoSetup: cs, shortHeaderConnIDLen: shortHeaderConnIDLen}
}

// removeHeaderProtection unmasks the first byte and up to 4 packet-number
// bytes in place, sampling the 16 bytes starting pnOffset+4 into the
// payload as RFC 9001 §5.4.2 requires regardless of the packet's actual
// packet number length.
func removeHeaderProtection(data []byte, pnOffset int, decrypt func(sample []byte, firstByte *byte, pnBytes []byte)) error {
	if len(data) < pnOffset+4+16 {
		return fmt.Errorf("packet too short for header protection sample: %d bytes", len(data))
	}
	sample := data[pnOffset+4 : pnOffset+4+16]
	decrypt(sample, &data[0], data[pnOffset:pnOffset+4])
	return nil
}

// UnpackLongHeader opens an Initial, 0-RTT, or Handshake packet. data is the
// full received datagram slice starting at this packet's first byte,
// already truncated to hdr.ParsedLen()+hdr.Length by the caller (the caller
// is responsible for splitting a coalesced datagram first).
func (u *packetUnpacker) UnpackLongHeader(hdr *wire.Header, data []byte, largestAcked protocol.PacketNumber) (*unpackedPacket, error) {
	var level protocol.EncryptionLevel
	var opener handshake.LongHeaderOpener
	switch hdr.Type {
	case protocol.PacketTypeInitial:
		level = protocol.EncryptionInitial
		opener = u.cryptoSetup.GetInitialOpener()
	case protocol.PacketTypeHandshake:
		level = protocol.EncryptionHandshake
		var err error
		opener, err = u.cryptoSetup.GetHandshakeOpener()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("nanoq: packet type %s not supported by UnpackLongHeader", hdr.Type)
	}
	if opener == nil {
		return nil, fmt.Errorf("nanoq: no opener available for %s", level)
	}

	pnOffset := int(hdr.ParsedLen())
	if err := removeHeaderProtection(data, pnOffset, opener.DecryptHeader); err != nil {
		return nil, err
	}

	pnLen := protocol.PacketNumberLen(data[0]&0x3) + 1
	truncated, n, err := parseTruncatedPacketNumber(data[pnOffset:], pnLen)
	if err != nil {
		return nil, err
	}
	pn := protocol.DecodePacketNumber(pnLen, largestAcked, truncated)

	payloadStart := pnOffset + n
	if payloadStart > len(data) {
		return nil, fmt.Errorf("nanoq: packet number overruns packet")
	}
	ad := data[:payloadStart]
	payload, err := opener.Open(nil, data[payloadStart:], pn, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", handshake.ErrDecryptionFailed, err)
	}
	return &unpackedPacket{encryptionLevel: level, packetNumber: pn, hdr: hdr, data: payload}, nil
}

// UnpackShortHeader opens a 1-RTT packet. data is the full received
// datagram, starting at the packet's first byte and running to the end of
// the datagram (1-RTT packets are never followed by more QUIC packets in
// this module's scope, RFC 9000 §12.2's coalescing rule for long-header
// packets only).
func (u *packetUnpacker) UnpackShortHeader(data []byte, rcvTime time.Time, largestAcked protocol.PacketNumber) (*unpackedPacket, error) {
	opener, err := u.cryptoSetup.Get1RTTOpener()
	if err != nil {
		return nil, err
	}

	pnOffset := 1 + u.shortHeaderConnIDLen
	if err := removeHeaderProtection(data, pnOffset, opener.DecryptHeader); err != nil {
		return nil, err
	}

	hdr, n, err := wire.ParseShortHeader(data, u.shortHeaderConnIDLen)
	if err != nil {
		return nil, err
	}
	pn := opener.DecodePacketNumber(hdr.PacketNumber, hdr.PacketNumberLen)

	ad := data[:n]
	payload, err := opener.Open(nil, data[n:], rcvTime, pn, hdr.KeyPhase, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", handshake.ErrDecryptionFailed, err)
	}
	return &unpackedPacket{encryptionLevel: protocol.Encryption1RTT, packetNumber: pn, data: payload}, nil
}

// parseTruncatedPacketNumber reads the first pnLen bytes of data as a
// big-endian integer, mirroring wire.ParseShortHeader's decode without
// requiring a full short/long header struct.
func parseTruncatedPacketNumber(data []byte, pnLen protocol.PacketNumberLen) (protocol.PacketNumber, int, error) {
	if len(data) < int(pnLen) {
		return 0, 0, fmt.Errorf("nanoq: not enough bytes for a %d-byte packet number", pnLen)
	}
	var pn uint32
	for i := 0; i < int(pnLen); i++ {
		pn = pn<<8 | uint32(data[i])
	}
	return protocol.PacketNumber(pn), int(pnLen), nil
}
