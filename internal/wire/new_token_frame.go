package wire

import (
	"errors"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// NewTokenFrame hands the client an address-validation token to present on
// a future connection's Initial packets, RFC 9000 §19.7.
type NewTokenFrame struct {
	Token []byte
}

func parseNewTokenFrame(b []byte) (*NewTokenFrame, int, error) {
	startLen := len(b)
	l, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	if l == 0 {
		return nil, 0, errors.New("wire: NEW_TOKEN frame with empty token")
	}
	if uint64(len(b)) < l {
		return nil, 0, errNotEnoughData
	}
	token := make([]byte, l)
	copy(token, b[:l])
	b = b[l:]
	return &NewTokenFrame{Token: token}, startLen - len(b), nil
}

func (f *NewTokenFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(NewTokenFrameType))
	b = quicvarint.Append(b, uint64(len(f.Token)))
	return append(b, f.Token...), nil
}

func (f *NewTokenFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(uint64(len(f.Token)))) + protocol.ByteCount(len(f.Token))
}
