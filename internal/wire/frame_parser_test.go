package wire

import (
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestFrameParserRoundTripsEachFrameType(t *testing.T) {
	cases := []Frame{
		&PingFrame{},
		&HandshakeDoneFrame{},
		&CryptoFrame{Offset: 10, Data: []byte("client hello bytes")},
		&NewTokenFrame{Token: []byte{1, 2, 3, 4}},
		&MaxDataFrame{MaximumData: 1 << 20},
		&MaxStreamDataFrame{StreamID: 4, MaximumStreamData: 1 << 16},
		&MaxStreamsFrame{Unidirectional: false, MaxStreamNum: 100},
		&MaxStreamsFrame{Unidirectional: true, MaxStreamNum: 50},
		&DataBlockedFrame{MaximumData: 2048},
		&StreamDataBlockedFrame{StreamID: 8, MaximumStreamData: 4096},
		&StreamsBlockedFrame{Unidirectional: false, StreamLimit: 10},
		&StreamsBlockedFrame{Unidirectional: true, StreamLimit: 20},
		&NewConnectionIDFrame{SequenceNumber: 1, RetirePriorTo: 0, ConnectionID: protocol.ParseConnectionID([]byte{9, 9, 9, 9}), StatelessResetToken: protocol.StatelessResetToken{1}},
		&RetireConnectionIDFrame{SequenceNumber: 3},
		&PathChallengeFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&PathResponseFrame{Data: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}},
		&ConnectionCloseFrame{IsApplicationError: false, ErrorCode: 7, FrameType: StreamDataBlockedType, ReasonPhrase: "transport oops"},
		&ConnectionCloseFrame{IsApplicationError: true, ErrorCode: 42, ReasonPhrase: "app oops"},
		&ResetStreamFrame{StreamID: 12, ErrorCode: 5, FinalSize: 99},
		&StopSendingFrame{StreamID: 12, ErrorCode: 6},
		&StreamFrame{StreamID: 16, Offset: 5, Data: []byte("hello"), Fin: true, DataLenPresent: true},
	}

	for _, original := range cases {
		b, err := original.Append(nil, protocol.Version1)
		require.NoError(t, err, "%T", original)
		require.Equal(t, int(original.Length(protocol.Version1)), len(b), "%T", original)

		p := NewFrameParser()
		parsed, n, err := p.ParseNext(b, protocol.Encryption1RTT)
		require.NoError(t, err, "%T", original)
		require.Equal(t, len(b), n, "%T", original)
		require.Equal(t, original, parsed, "%T", original)
	}
}

func TestFrameParserSkipsPadding(t *testing.T) {
	p := NewFrameParser()
	body := []byte{0x00, 0x00, 0x00}
	frame, n, err := p.ParseNext(body, protocol.Encryption1RTT)
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Equal(t, 3, n)
}

func TestFrameParserEmptyPayloadReturnsNil(t *testing.T) {
	p := NewFrameParser()
	frame, n, err := p.ParseNext(nil, protocol.Encryption1RTT)
	require.NoError(t, err)
	require.Nil(t, frame)
	require.Equal(t, 0, n)
}

func TestFrameParserRejectsStreamFrameAtInitialLevel(t *testing.T) {
	p := NewFrameParser()
	f := &StreamFrame{StreamID: 1, Data: []byte("x")}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	_, _, err = p.ParseNext(b, protocol.EncryptionInitial)
	require.Error(t, err)
}

func TestFrameParserAllowsCryptoAndAckAtInitialLevel(t *testing.T) {
	p := NewFrameParser()
	f := &CryptoFrame{Offset: 0, Data: []byte("ch")}
	b, err := f.Append(nil, protocol.Version1)
	require.NoError(t, err)
	parsed, n, err := p.ParseNext(b, protocol.EncryptionInitial)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, f, parsed)
}

func TestFrameParserParsesAckFrameWithGaps(t *testing.T) {
	original := &AckFrame{
		AckRanges: []AckRange{
			{Smallest: 8, Largest: 10},
			{Smallest: 2, Largest: 4},
		},
		DelayTime: 5 * time.Millisecond,
	}
	b := original.AppendWithExponent(nil, protocol.DefaultAckDelayExponent)

	p := NewFrameParser()
	p.SetAckDelayExponent(protocol.DefaultAckDelayExponent)
	parsed, n, err := p.ParseNext(b, protocol.Encryption1RTT)
	require.NoError(t, err)
	require.Equal(t, len(b), n)

	ack, ok := parsed.(*AckFrame)
	require.True(t, ok)
	require.Equal(t, protocol.PacketNumber(10), ack.LargestAcked())
	require.Equal(t, protocol.PacketNumber(2), ack.LowestAcked())
	require.True(t, ack.HasMissingRanges())
	require.True(t, ack.AcksPacket(9))
	require.False(t, ack.AcksPacket(6))
}

func TestFrameParserUnknownFrameTypeErrors(t *testing.T) {
	p := NewFrameParser()
	_, _, err := p.ParseNext([]byte{0x2f}, protocol.Encryption1RTT)
	require.Error(t, err)
}
