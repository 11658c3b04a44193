package wire

import (
	"errors"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// NewConnectionIDFrame offers the peer a fresh connection ID it may switch
// to, along with the stateless reset token for that ID, RFC 9000 §19.15.
type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        protocol.ConnectionID
	StatelessResetToken protocol.StatelessResetToken
}

func parseNewConnectionIDFrame(b []byte) (*NewConnectionIDFrame, int, error) {
	startLen := len(b)
	seq, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	retire, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	b = b[n:]
	if retire > seq {
		return nil, 0, errors.New("wire: retire_prior_to larger than sequence_number")
	}
	if len(b) < 1 {
		return nil, 0, errNotEnoughData
	}
	cidLen := int(b[0])
	b = b[1:]
	if cidLen > protocol.MaxConnectionIDLen {
		return nil, 0, errors.New("wire: invalid connection ID length")
	}
	if len(b) < cidLen {
		return nil, 0, errNotEnoughData
	}
	cid := protocol.ParseConnectionID(b[:cidLen])
	b = b[cidLen:]
	if len(b) < protocol.ConnectionIDTokenLen {
		return nil, 0, errNotEnoughData
	}
	var token protocol.StatelessResetToken
	copy(token[:], b[:protocol.ConnectionIDTokenLen])
	b = b[protocol.ConnectionIDTokenLen:]
	return &NewConnectionIDFrame{
		SequenceNumber:      seq,
		RetirePriorTo:       retire,
		ConnectionID:        cid,
		StatelessResetToken: token,
	}, startLen - len(b), nil
}

func (f *NewConnectionIDFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(NewConnectionIDType))
	b = quicvarint.Append(b, f.SequenceNumber)
	b = quicvarint.Append(b, f.RetirePriorTo)
	b = append(b, byte(f.ConnectionID.Len()))
	b = append(b, f.ConnectionID.Bytes()...)
	return append(b, f.StatelessResetToken[:]...), nil
}

func (f *NewConnectionIDFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(f.SequenceNumber)) +
		protocol.ByteCount(quicvarint.Len(f.RetirePriorTo)) +
		1 + protocol.ByteCount(f.ConnectionID.Len()) +
		protocol.ConnectionIDTokenLen
}

// RetireConnectionIDFrame tells the peer a connection ID is no longer in
// use and may be forgotten, RFC 9000 §19.16.
type RetireConnectionIDFrame struct {
	SequenceNumber uint64
}

func parseRetireConnectionIDFrame(b []byte) (*RetireConnectionIDFrame, int, error) {
	seq, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, err
	}
	return &RetireConnectionIDFrame{SequenceNumber: seq}, n, nil
}

func (f *RetireConnectionIDFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(RetireConnectionIDType))
	return quicvarint.Append(b, f.SequenceNumber), nil
}

func (f *RetireConnectionIDFrame) Length(protocol.Version) protocol.ByteCount {
	return 1 + protocol.ByteCount(quicvarint.Len(f.SequenceNumber))
}
