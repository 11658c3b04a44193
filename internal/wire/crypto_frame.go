package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// CryptoFrame carries TLS handshake bytes at a given CRYPTO-stream offset,
// RFC 9000 §19.6.
type CryptoFrame struct {
	Offset protocol.ByteCount
	Data   []byte
}

func parseCryptoFrame(b []byte) (*CryptoFrame, int, error) {
	startLen := len(b)
	offset, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	length, n2, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n2:]
	if uint64(len(b)) < length {
		return nil, 0, errNotEnoughData
	}
	data := make([]byte, length)
	copy(data, b[:length])
	consumed := startLen - len(b) + int(length)
	return &CryptoFrame{Offset: protocol.ByteCount(offset), Data: data}, consumed, nil
}

func (f *CryptoFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(CryptoFrameType))
	b = quicvarint.Append(b, uint64(f.Offset))
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...), nil
}

func (f *CryptoFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(f.Offset))) +
		protocol.ByteCount(quicvarint.Len(uint64(len(f.Data)))) + protocol.ByteCount(len(f.Data))
}

// MaxDataLen returns how many bytes of CRYPTO data fit in maxLen total bytes
// at the given offset, used when splitting a handshake message across frames.
func (f *CryptoFrame) MaxDataLen(offset protocol.ByteCount, maxLen protocol.ByteCount) protocol.ByteCount {
	headerLen := 1 + protocol.ByteCount(quicvarint.Len(uint64(offset)))
	if maxLen <= headerLen+1 {
		return 0
	}
	// account for the length varint itself; its width may grow with the data length
	remaining := maxLen - headerLen
	lenFieldLen := protocol.ByteCount(quicvarint.Len(uint64(remaining)))
	if remaining <= lenFieldLen {
		return 0
	}
	return remaining - lenFieldLen
}
