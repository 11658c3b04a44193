package nanoq

import (
	"testing"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestCryptoStreamWriteAndPop(t *testing.T) {
	s := newCryptoStream()
	n, err := s.Write([]byte("client hello"))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.True(t, s.HasData())

	f := s.PopCryptoFrame(1000)
	require.Equal(t, protocol.ByteCount(0), f.Offset)
	require.Equal(t, []byte("client hello"), f.Data)
	require.False(t, s.HasData())
}

func TestCryptoStreamPopSplitsAcrossMaxLen(t *testing.T) {
	s := newCryptoStream()
	_, _ = s.Write([]byte("0123456789"))

	f1 := s.PopCryptoFrame(8)
	require.Less(t, len(f1.Data), 10)
	require.True(t, s.HasData())

	f2 := s.PopCryptoFrame(1000)
	require.Equal(t, protocol.ByteCount(len(f1.Data)), f2.Offset)
	require.Equal(t, "0123456789", string(f1.Data)+string(f2.Data))
}

func TestCryptoStreamRetransmissionGoesFirst(t *testing.T) {
	s := newCryptoStream()
	_, _ = s.Write([]byte("fresh"))
	s.QueueRetransmission(&wire.CryptoFrame{Offset: 0, Data: []byte("lost")})

	f := s.PopCryptoFrame(1000)
	require.Equal(t, []byte("lost"), f.Data)
	require.True(t, s.HasData())

	f2 := s.PopCryptoFrame(1000)
	require.Equal(t, []byte("fresh"), f2.Data)
}

func TestCryptoStreamHandleOutOfOrder(t *testing.T) {
	s := newCryptoStream()
	require.NoError(t, s.HandleCryptoFrame(&wire.CryptoFrame{Offset: 4, Data: []byte("4567")}))
	require.Nil(t, s.GetCryptoData())
	require.NoError(t, s.HandleCryptoFrame(&wire.CryptoFrame{Offset: 0, Data: []byte("0123")}))
	require.Equal(t, []byte("01234567"), s.GetCryptoData())
}

type fakeCryptoMessageHandler struct {
	messages []cryptoMessage
}

type cryptoMessage struct {
	data  []byte
	level protocol.EncryptionLevel
}

func (h *fakeCryptoMessageHandler) HandleMessage(data []byte, level protocol.EncryptionLevel) error {
	h.messages = append(h.messages, cryptoMessage{data: append([]byte{}, data...), level: level})
	return nil
}

func TestCryptoStreamManagerRoutesByEncryptionLevel(t *testing.T) {
	handler := &fakeCryptoMessageHandler{}
	m := newCryptoStreamManager(handler, newCryptoStream(), newCryptoStream())

	require.NoError(t, m.HandleCryptoFrame(&wire.CryptoFrame{Data: []byte("initial bytes")}, protocol.EncryptionInitial))
	require.NoError(t, m.HandleCryptoFrame(&wire.CryptoFrame{Data: []byte("handshake bytes")}, protocol.EncryptionHandshake))

	require.Len(t, handler.messages, 2)
	require.Equal(t, protocol.EncryptionInitial, handler.messages[0].level)
	require.Equal(t, []byte("initial bytes"), handler.messages[0].data)
	require.Equal(t, protocol.EncryptionHandshake, handler.messages[1].level)
	require.Equal(t, []byte("handshake bytes"), handler.messages[1].data)
}

func TestCryptoStreamManagerRejectsOtherLevels(t *testing.T) {
	handler := &fakeCryptoMessageHandler{}
	m := newCryptoStreamManager(handler, newCryptoStream(), newCryptoStream())
	err := m.HandleCryptoFrame(&wire.CryptoFrame{Data: []byte("x")}, protocol.Encryption1RTT)
	require.Error(t, err)
}
