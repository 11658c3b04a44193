package wire

import (
	"errors"
	"io"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/quicvarint"
)

// RetryIntegrityTagLen is the length of the AEAD tag appended to a Retry
// packet, RFC 9001 §5.8.
const RetryIntegrityTagLen = 16

var ErrUnsupportedVersion = errors.New("wire: unsupported version")

// IsLongHeaderPacket reports whether firstByte marks a long header packet.
func IsLongHeaderPacket(firstByte byte) bool { return firstByte&0x80 > 0 }

// IsVersionNegotiationPacket reports whether b starts a version negotiation
// packet: a long header with a zero version field.
func IsVersionNegotiationPacket(b []byte) bool {
	if len(b) < 5 {
		return false
	}
	return b[0]&0x80 > 0 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0
}

// Header is the version-independent part of a long header packet.
type Header struct {
	typeByte byte
	Type     protocol.PacketType

	Version          protocol.Version
	DestConnectionID protocol.ConnectionID
	SrcConnectionID  protocol.ConnectionID

	Token []byte

	Length protocol.ByteCount

	// RetryIntegrityTag is only set for Retry packets.
	RetryIntegrityTag [RetryIntegrityTagLen]byte

	parsedLen protocol.ByteCount
}

// ParseHeader parses the invariant and, when the version is understood, the
// version-specific part of a long header up to (but not including) the
// packet number, which is still header-protected at this point.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < 1 {
		return nil, io.EOF
	}
	typeByte := data[0]
	h := &Header{typeByte: typeByte}
	n, err := h.parse(data[1:])
	h.parsedLen = protocol.ByteCount(1 + n)
	return h, err
}

func (h *Header) parse(b []byte) (int, error) {
	start := len(b)
	if len(b) < 4 {
		return 0, io.EOF
	}
	h.Version = protocol.Version(utils.BigEndian.Uint32(b[:4]))
	b = b[4:]
	if h.Version != 0 && h.typeByte&0x40 == 0 {
		return 0, errors.New("wire: not a QUIC packet")
	}

	if len(b) < 1 {
		return 0, io.EOF
	}
	destLen := int(b[0])
	b = b[1:]
	if len(b) < destLen {
		return 0, io.EOF
	}
	h.DestConnectionID = protocol.ParseConnectionID(b[:destLen])
	b = b[destLen:]

	if len(b) < 1 {
		return 0, io.EOF
	}
	srcLen := int(b[0])
	b = b[1:]
	if len(b) < srcLen {
		return 0, io.EOF
	}
	h.SrcConnectionID = protocol.ParseConnectionID(b[:srcLen])
	b = b[srcLen:]

	if h.Version == 0 {
		// version negotiation packet: caller reads the supported-version list itself.
		return start - len(b), nil
	}
	if !protocol.IsSupportedVersion(protocol.SupportedVersions, h.Version) {
		return start - len(b), ErrUnsupportedVersion
	}

	switch (h.typeByte & 0x30) >> 4 {
	case 0x0:
		h.Type = protocol.PacketTypeInitial
	case 0x1:
		h.Type = protocol.PacketType0RTT
	case 0x2:
		h.Type = protocol.PacketTypeHandshake
	case 0x3:
		h.Type = protocol.PacketTypeRetry
	}

	if h.Type == protocol.PacketTypeRetry {
		tokenLen := len(b) - RetryIntegrityTagLen
		if tokenLen < 0 {
			return 0, io.EOF
		}
		h.Token = make([]byte, tokenLen)
		copy(h.Token, b[:tokenLen])
		copy(h.RetryIntegrityTag[:], b[tokenLen:])
		b = b[len(b):]
		return start - len(b), nil
	}

	if h.Type == protocol.PacketTypeInitial {
		tokenLen, n, err := quicvarint.Parse(b)
		if err != nil {
			return 0, err
		}
		b = b[n:]
		if uint64(len(b)) < tokenLen {
			return 0, io.EOF
		}
		h.Token = make([]byte, tokenLen)
		copy(h.Token, b[:tokenLen])
		b = b[tokenLen:]
	}

	pl, n, err := quicvarint.Parse(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	h.Length = protocol.ByteCount(pl)
	return start - len(b), nil
}

// ParsedLen is how many bytes were consumed parsing the invariant header,
// i.e. the offset of the (still protected) packet number field.
func (h *Header) ParsedLen() protocol.ByteCount { return h.parsedLen }

// AppendLongHeaderFirstPart writes a long header up to, but not including,
// the Length field: the first byte (its packet number length bits already
// set from pnLen, except for Retry), the version, both connection IDs, and
// the token (length-prefixed for Initial, raw for Retry). The caller
// appends the Length field and the packet number itself.
func AppendLongHeaderFirstPart(b []byte, typ protocol.PacketType, version protocol.Version, destConnID, srcConnID protocol.ConnectionID, token []byte, pnLen protocol.PacketNumberLen) []byte {
	var typeBits byte
	switch typ {
	case protocol.PacketTypeInitial:
		typeBits = 0x0
	case protocol.PacketType0RTT:
		typeBits = 0x1
	case protocol.PacketTypeHandshake:
		typeBits = 0x2
	case protocol.PacketTypeRetry:
		typeBits = 0x3
	}
	firstByte := byte(0xc0) | (typeBits << 4)
	if typ != protocol.PacketTypeRetry {
		firstByte |= byte(pnLen - 1)
	}
	b = append(b, firstByte)
	var vb [4]byte
	utils.BigEndian.PutUint32(vb[:], uint32(version))
	b = append(b, vb[:]...)
	b = append(b, byte(destConnID.Len()))
	b = append(b, destConnID.Bytes()...)
	b = append(b, byte(srcConnID.Len()))
	b = append(b, srcConnID.Bytes()...)
	if typ == protocol.PacketTypeInitial {
		b = quicvarint.Append(b, uint64(len(token)))
		b = append(b, token...)
	}
	if typ == protocol.PacketTypeRetry {
		b = append(b, token...)
	}
	return b
}

// AppendPacketNumber appends the truncated packet number in pnLen bytes.
func AppendPacketNumber(b []byte, pn protocol.PacketNumber, pnLen protocol.PacketNumberLen) []byte {
	return appendPacketNumber(b, pn, pnLen)
}
