package nanoq

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/ackhandler"
	"github.com/nanoq/nanoq/internal/handshake"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeSealer stands in for an AEAD: it appends a zero-filled "tag" of
// overhead bytes instead of actually encrypting, and leaves header
// protection untouched, so tests can assert on cleartext frame bytes.
type fakeSealer struct {
	overhead int
	kp       protocol.KeyPhaseBit
}

func (s *fakeSealer) Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte {
	out := append(dst, src...)
	return append(out, make([]byte, s.overhead)...)
}
func (s *fakeSealer) EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {}
func (s *fakeSealer) Overhead() int                                               { return s.overhead }
func (s *fakeSealer) KeyPhase() protocol.KeyPhaseBit                              { return s.kp }

type fakeCryptoHandler struct {
	initialSealer   handshake.LongHeaderSealer
	handshakeSealer handshake.LongHeaderSealer
	handshakeErr    error
	oneRTTSealer    handshake.ShortHeaderSealer
	oneRTTErr       error
}

func (h *fakeCryptoHandler) StartHandshake(ctx context.Context) error            { return nil }
func (h *fakeCryptoHandler) HandleMessage([]byte, protocol.EncryptionLevel) error { return nil }
func (h *fakeCryptoHandler) Drive() ([]handshake.Event, error)                    { return nil, nil }
func (h *fakeCryptoHandler) GetInitialSealer() handshake.LongHeaderSealer         { return h.initialSealer }
func (h *fakeCryptoHandler) GetInitialOpener() handshake.LongHeaderOpener         { return nil }
func (h *fakeCryptoHandler) GetHandshakeSealer() (handshake.LongHeaderSealer, error) {
	return h.handshakeSealer, h.handshakeErr
}
func (h *fakeCryptoHandler) GetHandshakeOpener() (handshake.LongHeaderOpener, error) { return nil, nil }
func (h *fakeCryptoHandler) Get1RTTSealer() (handshake.ShortHeaderSealer, error) {
	return h.oneRTTSealer, h.oneRTTErr
}
func (h *fakeCryptoHandler) Get1RTTOpener() (handshake.ShortHeaderOpener, error) { return nil, nil }
func (h *fakeCryptoHandler) DropInitialKeys()                                   {}
func (h *fakeCryptoHandler) DropHandshakeKeys()                                 {}
func (h *fakeCryptoHandler) SetHandshakeConfirmed()                             {}
func (h *fakeCryptoHandler) HandshakeComplete() bool                            { return false }
func (h *fakeCryptoHandler) ConnectionState() tls.ConnectionState               { return tls.ConnectionState{} }
func (h *fakeCryptoHandler) PeerTransportParameters(context.Context, time.Duration) (*wire.TransportParameters, error) {
	return nil, nil
}

type sentPacketRecord struct {
	level        protocol.EncryptionLevel
	frames       []*ackhandler.Frame
	ackEliciting bool
}

type fakeSentPacketHandler struct {
	sent []sentPacketRecord

	// sendMode and probeAvailable let tests drive the PTO probe path
	// without a real loss-detection timer: sendMode overrides SendMode's
	// return value, and probeAvailable controls whether QueueProbePacket
	// reports it found something outstanding to retransmit.
	sendMode       ackhandler.SendMode
	probeAvailable bool
	probedLevels   []protocol.EncryptionLevel
}

func (h *fakeSentPacketHandler) SentPacket(_ time.Time, _ protocol.PacketNumber, frames []*ackhandler.Frame, level protocol.EncryptionLevel, _ protocol.ByteCount, isAckEliciting bool) {
	h.sent = append(h.sent, sentPacketRecord{level: level, frames: frames, ackEliciting: isAckEliciting})
}
func (h *fakeSentPacketHandler) ReceivedAck(*wire.AckFrame, protocol.EncryptionLevel, time.Time) (bool, error) {
	return false, nil
}
func (h *fakeSentPacketHandler) DropPackets(protocol.EncryptionLevel)   {}
func (h *fakeSentPacketHandler) ResetForRetry() error                  { return nil }
func (h *fakeSentPacketHandler) PeekPacketNumber(protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen) {
	return 0, protocol.PacketNumberLen1
}
func (h *fakeSentPacketHandler) PopPacketNumber(protocol.EncryptionLevel) protocol.PacketNumber { return 0 }
func (h *fakeSentPacketHandler) SendMode(time.Time) ackhandler.SendMode {
	if h.sendMode != ackhandler.SendNone {
		return h.sendMode
	}
	return ackhandler.SendAny
}
func (h *fakeSentPacketHandler) TimeUntilSend() time.Time           { return time.Time{} }
func (h *fakeSentPacketHandler) GetLossDetectionTimeout() time.Time { return time.Time{} }
func (h *fakeSentPacketHandler) OnLossDetectionTimeout() error      { return nil }
func (h *fakeSentPacketHandler) QueueProbePacket(level protocol.EncryptionLevel) bool {
	h.probedLevels = append(h.probedLevels, level)
	return h.probeAvailable
}
func (h *fakeSentPacketHandler) SetHandshakeConfirmed()                                         {}
func (h *fakeSentPacketHandler) GetBytesInFlight() protocol.ByteCount                           { return 0 }
func (h *fakeSentPacketHandler) GetCongestionWindow() protocol.ByteCount                        { return 0 }
func (h *fakeSentPacketHandler) GetPTOCount() int                                               { return 0 }
func (h *fakeSentPacketHandler) GetLostPacketCount() int                                        { return 0 }
func (h *fakeSentPacketHandler) Close(error)                                                    {}

type fakeReceivedPacketHandler struct {
	ackFrames map[protocol.EncryptionLevel]*wire.AckFrame
}

func (h *fakeReceivedPacketHandler) ReceivedPacket(protocol.PacketNumber, protocol.EncryptionLevel, time.Time, bool) error {
	return nil
}
func (h *fakeReceivedPacketHandler) DropPackets(protocol.EncryptionLevel) {}
func (h *fakeReceivedPacketHandler) GetAlarmTimeout() time.Time           { return time.Time{} }
func (h *fakeReceivedPacketHandler) GetAckFrame(level protocol.EncryptionLevel, now time.Time) *wire.AckFrame {
	return h.ackFrames[level]
}

func newTestPacker(perspective protocol.Perspective, crypto *fakeCryptoHandler) (*packetPacker, *fakeSentPacketHandler) {
	destID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	srcID := protocol.ParseConnectionID([]byte{5, 6, 7, 8})
	cryptoStreams := newCryptoStreamManager(&fakeCryptoHandlerMessages{}, newCryptoStream(), newCryptoStream())
	fr := newFramer(&fakeStreamGetter{streams: map[protocol.StreamID]frameSource{}})
	sent := &fakeSentPacketHandler{}
	acks := &fakeReceivedPacketHandler{}
	p := newPacketPacker(
		perspective, protocol.Version1,
		func() protocol.ConnectionID { return destID },
		func() protocol.ConnectionID { return srcID },
		crypto, cryptoStreams, fr, acks, sent,
	)
	return p, sent
}

type fakeCryptoHandlerMessages struct{}

func (*fakeCryptoHandlerMessages) HandleMessage([]byte, protocol.EncryptionLevel) error { return nil }

func TestPackCoalescedPacketNothingToSend(t *testing.T) {
	p, _ := newTestPacker(protocol.PerspectiveServer, &fakeCryptoHandler{})
	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.Nil(t, packet)
}

func TestPackCoalescedPacketInitialOnly(t *testing.T) {
	crypto := &fakeCryptoHandler{initialSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)

	str, err := p.cryptoStreams.streamFor(protocol.EncryptionInitial)
	require.NoError(t, err)
	_, _ = str.Write([]byte("client hello"))

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.Len(t, sent.sent, 1)
	require.Equal(t, protocol.EncryptionInitial, sent.sent[0].level)
	require.True(t, sent.sent[0].ackEliciting)
	// server Initials aren't padded to 1200 bytes, only client ones are.
	require.Less(t, len(packet.raw), protocol.MinInitialPacketSize)
	packet.buffer.Release()
}

func TestPackCoalescedPacketClientInitialIsPadded(t *testing.T) {
	crypto := &fakeCryptoHandler{initialSealer: &fakeSealer{overhead: 16}}
	p, _ := newTestPacker(protocol.PerspectiveClient, crypto)

	str, err := p.cryptoStreams.streamFor(protocol.EncryptionInitial)
	require.NoError(t, err)
	_, _ = str.Write([]byte("client hello"))

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.GreaterOrEqual(t, len(packet.raw), protocol.MinInitialPacketSize)
	packet.buffer.Release()
}

func TestPackCoalescedPacketCoalescesInitialAndHandshake(t *testing.T) {
	crypto := &fakeCryptoHandler{
		initialSealer:   &fakeSealer{overhead: 16},
		handshakeSealer: &fakeSealer{overhead: 16},
	}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)

	initialStream, err := p.cryptoStreams.streamFor(protocol.EncryptionInitial)
	require.NoError(t, err)
	_, _ = initialStream.Write([]byte("ack only"))
	handshakeStream, err := p.cryptoStreams.streamFor(protocol.EncryptionHandshake)
	require.NoError(t, err)
	_, _ = handshakeStream.Write([]byte("certificate"))

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.Len(t, sent.sent, 2)
	require.Equal(t, protocol.EncryptionInitial, sent.sent[0].level)
	require.Equal(t, protocol.EncryptionHandshake, sent.sent[1].level)
	packet.buffer.Release()
}

func TestPackCoalescedPacketSends1RTTStreamData(t *testing.T) {
	crypto := &fakeCryptoHandler{oneRTTSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)

	id := protocol.StreamID(4)
	str := &fakeFrameSource{frames: []*wire.StreamFrame{{StreamID: id, Data: []byte("hello"), Fin: true}}}
	p.framer.streamGetter.(*fakeStreamGetter).streams[id] = str
	p.framer.AddActiveStream(id)

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.Len(t, sent.sent, 1)
	require.Equal(t, protocol.Encryption1RTT, sent.sent[0].level)
	require.True(t, sent.sent[0].ackEliciting)
	require.Len(t, sent.sent[0].frames, 1)
	packet.buffer.Release()
}

func TestPackCoalescedPacketStreamFrameOnLostRequeues(t *testing.T) {
	crypto := &fakeCryptoHandler{oneRTTSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)

	id := protocol.StreamID(4)
	str := &fakeFrameSource{frames: []*wire.StreamFrame{{StreamID: id, Data: []byte("hello")}}}
	p.framer.streamGetter.(*fakeStreamGetter).streams[id] = str
	p.framer.AddActiveStream(id)

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	packet.buffer.Release()

	require.Len(t, sent.sent, 1)
	lostFrame := sent.sent[0].frames[0]
	require.NotNil(t, lostFrame.OnLost)
	lostFrame.OnLost(lostFrame.Frame)
	require.Len(t, str.retransmitted, 1)
	require.Equal(t, []byte("hello"), str.retransmitted[0].Data)
}

func TestPackConnectionClosePrefers1RTT(t *testing.T) {
	crypto := &fakeCryptoHandler{oneRTTSealer: &fakeSealer{overhead: 16}, handshakeSealer: &fakeSealer{overhead: 16}}
	p, _ := newTestPacker(protocol.PerspectiveServer, crypto)

	packet, err := p.PackConnectionClose(errTestClose, time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	packet.buffer.Release()
}

func TestPackConnectionCloseFallsBackToHandshake(t *testing.T) {
	crypto := &fakeCryptoHandler{handshakeSealer: &fakeSealer{overhead: 16}}
	p, _ := newTestPacker(protocol.PerspectiveServer, crypto)

	packet, err := p.PackConnectionClose(errTestClose, time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	packet.buffer.Release()
}

func TestPackConnectionCloseErrorsWithoutAnyKeys(t *testing.T) {
	crypto := &fakeCryptoHandler{}
	p, _ := newTestPacker(protocol.PerspectiveServer, crypto)

	packet, err := p.PackConnectionClose(errTestClose, time.Now())
	require.Error(t, err)
	require.Nil(t, packet)
}

func TestConnectionCloseFrameForTransportError(t *testing.T) {
	frame := connectionCloseFrameFor(errTestClose)
	require.False(t, frame.IsApplicationError)
	require.Equal(t, errTestClose.Error(), frame.ReasonPhrase)
}

var errTestClose = &testCloseError{}

type testCloseError struct{}

func (*testCloseError) Error() string { return "connection closed for testing" }

// TestPackCoalescedPacketPTOQueuesPingWhenNothingOutstanding covers the
// case QueueProbePacket reports no retransmittable data at the level the
// PTO fired for: the packer must still put an ack-eliciting PING on the
// wire at that level, RFC 9002 §6.2.1, rather than silently sending
// nothing.
func TestPackCoalescedPacketPTOQueuesPingWhenNothingOutstanding(t *testing.T) {
	crypto := &fakeCryptoHandler{initialSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)
	sent.sendMode = ackhandler.SendPTOInitial
	sent.probeAvailable = false

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.Equal(t, []protocol.EncryptionLevel{protocol.EncryptionInitial}, sent.probedLevels)
	require.Len(t, sent.sent, 1)
	require.Equal(t, protocol.EncryptionInitial, sent.sent[0].level)
	require.True(t, sent.sent[0].ackEliciting)
	require.IsType(t, &wire.PingFrame{}, sent.sent[0].frames[0].Frame)
	packet.buffer.Release()
}

// TestPackCoalescedPacketPTODefersToQueuedProbe covers the case
// QueueProbePacket reports it already requeued something outstanding at
// the probed level: the packer must not also synthesize a PING.
func TestPackCoalescedPacketPTODefersToQueuedProbe(t *testing.T) {
	crypto := &fakeCryptoHandler{initialSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)
	sent.sendMode = ackhandler.SendPTOInitial
	sent.probeAvailable = true

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.Nil(t, packet)
	require.Equal(t, []protocol.EncryptionLevel{protocol.EncryptionInitial}, sent.probedLevels)
	require.Empty(t, sent.sent)
}

// TestPackCoalescedPacketPTOAppDataQueuesControlFramePing covers the
// 1-RTT PTO path, which rides the framer's control-frame queue instead of
// the pingPending map the long-header levels use.
func TestPackCoalescedPacketPTOAppDataQueuesControlFramePing(t *testing.T) {
	crypto := &fakeCryptoHandler{oneRTTSealer: &fakeSealer{overhead: 16}}
	p, sent := newTestPacker(protocol.PerspectiveServer, crypto)
	sent.sendMode = ackhandler.SendPTOAppData
	sent.probeAvailable = false

	packet, err := p.PackCoalescedPacket(time.Now())
	require.NoError(t, err)
	require.NotNil(t, packet)
	require.Equal(t, []protocol.EncryptionLevel{protocol.Encryption1RTT}, sent.probedLevels)
	require.Len(t, sent.sent, 1)
	require.Equal(t, protocol.Encryption1RTT, sent.sent[0].level)
	require.True(t, sent.sent[0].ackEliciting)
	require.IsType(t, &wire.PingFrame{}, sent.sent[0].frames[0].Frame)
	packet.buffer.Release()
}
