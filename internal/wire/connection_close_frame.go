package wire

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// ConnectionCloseFrame signals the end of the connection, RFC 9000 §19.19.
// IsApplicationError distinguishes CONNECTION_CLOSE (0x1c, transport errors,
// carries a FrameType) from the application-level variant (0x1d, no
// FrameType field).
type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          FrameType
	ReasonPhrase       string
}

func parseConnectionCloseFrame(b []byte, typ FrameType) (*ConnectionCloseFrame, int, error) {
	startLen := len(b)
	isApp := typ == ApplicationCloseType

	code, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]

	var ft FrameType
	if !isApp {
		v, n, err := quicvarint.Parse(b)
		if err != nil {
			return nil, 0, err
		}
		b = b[n:]
		ft = FrameType(v)
	}

	reasonLen, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	if uint64(len(b)) < reasonLen {
		return nil, 0, errNotEnoughData
	}
	reason := string(b[:reasonLen])
	b = b[reasonLen:]

	return &ConnectionCloseFrame{
		IsApplicationError: isApp,
		ErrorCode:          code,
		FrameType:          ft,
		ReasonPhrase:       reason,
	}, startLen - len(b), nil
}

func (f *ConnectionCloseFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	if f.IsApplicationError {
		b = append(b, byte(ApplicationCloseType))
	} else {
		b = append(b, byte(ConnectionCloseFrameType))
	}
	b = quicvarint.Append(b, f.ErrorCode)
	if !f.IsApplicationError {
		b = quicvarint.Append(b, uint64(f.FrameType))
	}
	b = quicvarint.Append(b, uint64(len(f.ReasonPhrase)))
	return append(b, f.ReasonPhrase...), nil
}

func (f *ConnectionCloseFrame) Length(protocol.Version) protocol.ByteCount {
	l := protocol.ByteCount(1 + quicvarint.Len(f.ErrorCode))
	if !f.IsApplicationError {
		l += protocol.ByteCount(quicvarint.Len(uint64(f.FrameType)))
	}
	l += protocol.ByteCount(quicvarint.Len(uint64(len(f.ReasonPhrase))))
	return l + protocol.ByteCount(len(f.ReasonPhrase))
}
