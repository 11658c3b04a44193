package nanoq

import (
	"errors"
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/ackhandler"
	"github.com/nanoq/nanoq/internal/handshake"
	"github.com/nanoq/nanoq/internal/metrics"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/qerr"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/nanoq/nanoq/quicvarint"
)

// lengthFieldSize is how many bytes a long header packet reserves for its
// Length field before the payload size is known. Two bytes covers every
// packet this endpoint ever builds: a 2-byte varint tops out at 16383,
// comfortably past protocol.MaxPacketBufferSize.
const lengthFieldSize = 2

// packetPacker builds outgoing datagrams: zero or more coalesced Initial
// and Handshake packets followed by an optional 1-RTT packet, RFC 9000
// §12.2. Grounded on the teacher's overall packer/unpacker split; the
// seal-then-protect sequence and the placeholder-Length-field trick follow
// RFC 9001 §5.4.1 directly, since the teacher's own modern packet_packer.go
// didn't survive retrieval into this pack.
type packetPacker struct {
	perspective protocol.Perspective
	version     protocol.Version

	getDestConnID func() protocol.ConnectionID
	getSrcConnID  func() protocol.ConnectionID

	cryptoSetup   handshake.CryptoHandler
	cryptoStreams *cryptoStreamManager
	framer        *framer

	acks ackhandler.ReceivedPacketHandler
	sent ackhandler.SentPacketHandler

	token         []byte
	maxPacketSize protocol.ByteCount

	// pingPending marks an encryption level as owing a bare PING probe:
	// set when a PTO fires and QueueProbePacket found nothing outstanding
	// to retransmit at that level, RFC 9002 §6.2.1. Only Initial and
	// Handshake need this; the 1-RTT probe rides the framer's control
	// frame queue instead, since that queue already exists for that level.
	pingPending map[protocol.EncryptionLevel]bool

	// metrics is nil unless the Config enabled it. Every call site checks
	// before using it rather than installing a no-op Collector, since a
	// real Collector always registers itself with a Prometheus registerer.
	metrics *metrics.Collector
}

// SetMetrics wires a Collector into the packer so every sealed packet is
// counted by encryption level.
func (p *packetPacker) SetMetrics(m *metrics.Collector) { p.metrics = m }

func newPacketPacker(
	perspective protocol.Perspective,
	version protocol.Version,
	getDestConnID, getSrcConnID func() protocol.ConnectionID,
	cryptoSetup handshake.CryptoHandler,
	cryptoStreams *cryptoStreamManager,
	fr *framer,
	acks ackhandler.ReceivedPacketHandler,
	sent ackhandler.SentPacketHandler,
) *packetPacker {
	return &packetPacker{
		perspective:   perspective,
		version:       version,
		getDestConnID: getDestConnID,
		getSrcConnID:  getSrcConnID,
		cryptoSetup:   cryptoSetup,
		cryptoStreams: cryptoStreams,
		framer:        fr,
		acks:          acks,
		sent:          sent,
		maxPacketSize: protocol.MaxPacketBufferSize,
		pingPending:   make(map[protocol.EncryptionLevel]bool),
	}
}

// SetToken stores the address-validation token a client echoes in every
// Initial packet sent after a Retry, RFC 9000 §8.1.1.
func (p *packetPacker) SetToken(token []byte) { p.token = token }

// SetVersion updates the version packets are built with, once version
// negotiation settles on something other than the client's first guess.
func (p *packetPacker) SetVersion(v protocol.Version) { p.version = v }

// PackCoalescedPacket builds one outgoing datagram, coalescing an Initial
// packet, a Handshake packet, and a 1-RTT packet in that order as each
// has keys and data to send, RFC 9000 §12.2. Returns (nil, nil) if there
// is nothing to send right now.
func (p *packetPacker) PackCoalescedPacket(now time.Time) (*packedPacket, error) {
	p.maybeQueueProbe(now)

	buffer := getPacketBuffer()
	buf := buffer.Slice[:0]

	var sentInitial bool
	newBuf, ok, err := p.packInitialOrHandshake(buf, protocol.PacketTypeInitial, protocol.EncryptionInitial, now)
	if err != nil {
		buffer.Release()
		return nil, err
	}
	if ok {
		buf = newBuf
		sentInitial = true
	}

	if newBuf, ok, err = p.packInitialOrHandshake(buf, protocol.PacketTypeHandshake, protocol.EncryptionHandshake, now); err != nil {
		buffer.Release()
		return nil, err
	} else if ok {
		buf = newBuf
	}

	if newBuf, ok, err = p.pack1RTT(buf, now); err != nil {
		buffer.Release()
		return nil, err
	} else if ok {
		buf = newBuf
	}

	if len(buf) == 0 {
		buffer.Release()
		return nil, nil
	}

	// RFC 9000 §14.1: any datagram carrying a client Initial packet must
	// be at least 1200 bytes. Padding the outer datagram with trailing
	// zero bytes here is simpler than threading PADDING frames through
	// the per-packet payload budget above. A zero first byte lacks the
	// long-header bit, so the receiver's datagram-splitting loop hands the
	// tail to its 1-RTT path, which fails to unpack it and drops it instead
	// of treating the datagram as malformed.
	if sentInitial && p.perspective == protocol.PerspectiveClient && len(buf) < protocol.MinInitialPacketSize {
		buf = append(buf, make([]byte, protocol.MinInitialPacketSize-len(buf))...)
	}

	buffer.Slice = buf
	return &packedPacket{raw: buf, buffer: buffer}, nil
}

// maybeQueueProbe forces an ack-eliciting frame onto the wire when the
// ackhandler reports a PTO owed, RFC 9002 §6.2.1. QueueProbePacket
// retransmits the oldest outstanding packet's frames when there is one;
// that covers the common case of a lost CRYPTO or STREAM frame reappearing
// in the next packet's natural budget. When nothing was outstanding at
// that level, a bare PING frame is queued instead so a probe still goes
// out at the level the PTO actually fired for.
func (p *packetPacker) maybeQueueProbe(now time.Time) {
	var level protocol.EncryptionLevel
	switch p.sent.SendMode(now) {
	case ackhandler.SendPTOInitial:
		level = protocol.EncryptionInitial
	case ackhandler.SendPTOHandshake:
		level = protocol.EncryptionHandshake
	case ackhandler.SendPTOAppData:
		level = protocol.Encryption1RTT
	default:
		return
	}
	if p.sent.QueueProbePacket(level) {
		return
	}
	if level == protocol.Encryption1RTT {
		p.framer.QueueControlFrame(&wire.PingFrame{})
		return
	}
	p.pingPending[level] = true
}

// PackConnectionClose builds a single packet carrying a CONNECTION_CLOSE
// frame at the most confidential encryption level whose keys are
// currently available, RFC 9000 §10.2.2.
func (p *packetPacker) PackConnectionClose(closeErr error, now time.Time) (*packedPacket, error) {
	frame := connectionCloseFrameFor(closeErr)
	buffer := getPacketBuffer()

	if buf, ok, err := p.packShortHeaderFrames(buffer.Slice[:0], []wire.Frame{frame}, now); err != nil {
		buffer.Release()
		return nil, err
	} else if ok {
		buffer.Slice = buf
		return &packedPacket{raw: buf, buffer: buffer}, nil
	}

	if buf, err := p.appendLongHeaderPacket(buffer.Slice[:0], protocol.PacketTypeHandshake, protocol.EncryptionHandshake, now,
		[]wire.Frame{frame}, []*ackhandler.Frame{{Frame: frame}}, false); err != nil {
		buffer.Release()
		return nil, err
	} else if buf != nil {
		buffer.Slice = buf
		return &packedPacket{raw: buf, buffer: buffer}, nil
	}

	if buf, err := p.appendLongHeaderPacket(buffer.Slice[:0], protocol.PacketTypeInitial, protocol.EncryptionInitial, now,
		[]wire.Frame{frame}, []*ackhandler.Frame{{Frame: frame}}, false); err != nil {
		buffer.Release()
		return nil, err
	} else if buf != nil {
		buffer.Slice = buf
		return &packedPacket{raw: buf, buffer: buffer}, nil
	}

	buffer.Release()
	return nil, fmt.Errorf("nanoq: no keys available to send CONNECTION_CLOSE")
}

// packInitialOrHandshake appends an Initial or Handshake packet to buf if
// that level has a sealer and something worth sending, RFC 9000 §12.4: at
// these levels only ACK and CRYPTO frames are ever sent.
func (p *packetPacker) packInitialOrHandshake(buf []byte, typ protocol.PacketType, level protocol.EncryptionLevel, now time.Time) ([]byte, bool, error) {
	overhead, ok, err := p.longHeaderSealerOverhead(level)
	if err != nil || !ok {
		return buf, false, err
	}

	_, pnLen := p.sent.PeekPacketNumber(level)
	var token []byte
	if typ == protocol.PacketTypeInitial {
		token = p.token
	}
	headerLen := longHeaderLen(typ, p.getDestConnID(), p.getSrcConnID(), token, pnLen)
	budget := p.maxPacketSize - protocol.ByteCount(len(buf)) - headerLen - protocol.ByteCount(overhead)
	if budget <= 0 {
		return buf, false, nil
	}

	wireFrames, ackFrames, ackEliciting := p.collectLongHeaderFrames(level, budget, now)
	if len(wireFrames) == 0 {
		return buf, false, nil
	}

	newBuf, err := p.appendLongHeaderPacket(buf, typ, level, now, wireFrames, ackFrames, ackEliciting)
	if err != nil {
		return buf, false, err
	}
	return newBuf, true, nil
}

func (p *packetPacker) longHeaderSealerOverhead(level protocol.EncryptionLevel) (int, bool, error) {
	switch level {
	case protocol.EncryptionInitial:
		s := p.cryptoSetup.GetInitialSealer()
		if s == nil {
			return 0, false, nil
		}
		return s.Overhead(), true, nil
	case protocol.EncryptionHandshake:
		s, err := p.cryptoSetup.GetHandshakeSealer()
		if err != nil || s == nil {
			return 0, false, err
		}
		return s.Overhead(), true, nil
	default:
		return 0, false, fmt.Errorf("nanoq: %s packets don't use a long header", level)
	}
}

// collectLongHeaderFrames fills an ACK frame and as many CRYPTO frames as
// fit budget, at the Initial/Handshake encryption level. A lost CRYPTO
// frame re-queues itself verbatim via the crypto stream's retransmission
// queue, RFC 9001 §6.3.
func (p *packetPacker) collectLongHeaderFrames(level protocol.EncryptionLevel, budget protocol.ByteCount, now time.Time) ([]wire.Frame, []*ackhandler.Frame, bool) {
	var wireFrames []wire.Frame
	var ackFrames []*ackhandler.Frame
	var ackEliciting bool

	if ack := p.acks.GetAckFrame(level, now); ack != nil {
		if l := ack.Length(p.version); l <= budget {
			wireFrames = append(wireFrames, ack)
			ackFrames = append(ackFrames, &ackhandler.Frame{Frame: ack})
			budget -= l
		}
	}

	str, err := p.cryptoStreams.streamFor(level)
	if err == nil {
		for str.HasData() && budget > 0 {
			cf := str.PopCryptoFrame(budget)
			if cf == nil {
				break
			}
			frame := cf
			wireFrames = append(wireFrames, frame)
			ackFrames = append(ackFrames, &ackhandler.Frame{
				Frame:  frame,
				OnLost: func(f wire.Frame) { str.QueueRetransmission(f.(*wire.CryptoFrame)) },
			})
			budget -= frame.Length(p.version)
			ackEliciting = true
		}
	}

	if p.pingPending[level] {
		ping := &wire.PingFrame{}
		if ping.Length(p.version) <= budget {
			wireFrames = append(wireFrames, ping)
			ackFrames = append(ackFrames, &ackhandler.Frame{Frame: ping})
			ackEliciting = true
			delete(p.pingPending, level)
		}
	}

	return wireFrames, ackFrames, ackEliciting
}

// appendLongHeaderPacket seals wireFrames into an Initial or Handshake
// packet appended to buf. Caller has already checked there is a sealer
// and at least one frame to send.
func (p *packetPacker) appendLongHeaderPacket(buf []byte, typ protocol.PacketType, level protocol.EncryptionLevel, now time.Time, wireFrames []wire.Frame, ackFrames []*ackhandler.Frame, ackEliciting bool) ([]byte, error) {
	var sealer handshake.LongHeaderSealer
	var err error
	switch level {
	case protocol.EncryptionInitial:
		sealer = p.cryptoSetup.GetInitialSealer()
	case protocol.EncryptionHandshake:
		sealer, err = p.cryptoSetup.GetHandshakeSealer()
	default:
		return nil, fmt.Errorf("nanoq: %s packets don't use a long header", level)
	}
	if err != nil {
		return nil, err
	}
	if sealer == nil {
		return nil, nil
	}

	pn, pnLen := p.sent.PeekPacketNumber(level)
	var token []byte
	if typ == protocol.PacketTypeInitial {
		token = p.token
	}
	header := wire.AppendLongHeaderFirstPart(nil, typ, p.version, p.getDestConnID(), p.getSrcConnID(), token, pnLen)
	lengthOffset := len(header)
	header = quicvarint.AppendWithLen(header, 0, lengthFieldSize)
	pnOffset := len(header)
	header = wire.AppendPacketNumber(header, pn, pnLen)

	payload, err := encodeFrames(wireFrames, p.version)
	if err != nil {
		return nil, err
	}

	lengthValue := uint64(pnLen) + uint64(len(payload)) + uint64(sealer.Overhead())
	copy(header[lengthOffset:lengthOffset+lengthFieldSize], quicvarint.AppendWithLen(nil, lengthValue, lengthFieldSize))

	base := len(buf)
	packet := append(buf, header...)
	sealed := sealer.Seal(nil, payload, pn, header)
	packet = append(packet, sealed...)

	samplePos := base + pnOffset + 4
	sealer.EncryptHeader(packet[samplePos:samplePos+16], &packet[base], packet[base+pnOffset:base+pnOffset+int(pnLen)])

	p.sent.PopPacketNumber(level)
	p.sent.SentPacket(now, pn, ackFrames, level, protocol.ByteCount(len(header)+len(sealed)), ackEliciting)
	if p.metrics != nil {
		p.metrics.PacketSent(level)
	}
	return packet, nil
}

// pack1RTT appends a 1-RTT packet to buf if there are keys and anything
// worth sending: a pending ACK, a queued control frame, or stream data.
func (p *packetPacker) pack1RTT(buf []byte, now time.Time) ([]byte, bool, error) {
	sealer, err := p.cryptoSetup.Get1RTTSealer()
	if err != nil || sealer == nil {
		return buf, false, err
	}

	pn, pnLen := p.sent.PeekPacketNumber(protocol.Encryption1RTT)
	sh := &wire.ShortHeader{DestConnectionID: p.getDestConnID(), PacketNumber: pn, PacketNumberLen: pnLen, KeyPhase: sealer.KeyPhase()}
	budget := p.maxPacketSize - protocol.ByteCount(len(buf)) - sh.Len() - protocol.ByteCount(sealer.Overhead())
	if budget <= 0 {
		return buf, false, nil
	}

	var wireFrames []wire.Frame
	var ackFrames []*ackhandler.Frame
	var ackEliciting bool

	if ack := p.acks.GetAckFrame(protocol.Encryption1RTT, now); ack != nil && ack.Length(p.version) <= budget {
		wireFrames = append(wireFrames, ack)
		ackFrames = append(ackFrames, &ackhandler.Frame{Frame: ack})
		budget -= ack.Length(p.version)
	}

	ctrlStart := len(wireFrames)
	var ctrlLen protocol.ByteCount
	wireFrames, ctrlLen = p.framer.AppendControlFrames(wireFrames, budget, p.version)
	budget -= ctrlLen
	for _, f := range wireFrames[ctrlStart:] {
		ackFrames = append(ackFrames, &ackhandler.Frame{Frame: f})
	}
	if ackhandler.HasAckElicitingFrames(wireFrames[ctrlStart:]) {
		ackEliciting = true
	}

	streamStart := len(wireFrames)
	wireFrames, _ = p.framer.AppendStreamFrames(wireFrames, budget, p.version)
	for _, f := range wireFrames[streamStart:] {
		sf := f.(*wire.StreamFrame)
		ackFrames = append(ackFrames, &ackhandler.Frame{
			Frame: sf,
			OnLost: func(lost wire.Frame) {
				if str := p.framer.streamGetter.getSendStream(sf.StreamID); str != nil {
					str.queueRetransmission(lost.(*wire.StreamFrame))
				}
			},
		})
		ackEliciting = true
	}

	if len(wireFrames) == 0 {
		return buf, false, nil
	}

	payload, err := encodeFrames(wireFrames, p.version)
	if err != nil {
		return buf, false, err
	}

	base := len(buf)
	header := sh.Append(nil)
	pnOffset := len(header) - int(pnLen)
	packet := append(buf, header...)
	sealed := sealer.Seal(nil, payload, pn, header)
	packet = append(packet, sealed...)

	samplePos := base + pnOffset + 4
	sealer.EncryptHeader(packet[samplePos:samplePos+16], &packet[base], packet[base+pnOffset:base+pnOffset+int(pnLen)])

	p.sent.PopPacketNumber(protocol.Encryption1RTT)
	p.sent.SentPacket(now, pn, ackFrames, protocol.Encryption1RTT, protocol.ByteCount(len(header)+len(sealed)), ackEliciting)
	if p.metrics != nil {
		p.metrics.PacketSent(protocol.Encryption1RTT)
	}
	return packet, true, nil
}

// packShortHeaderFrames seals exactly wireFrames into a 1-RTT packet,
// bypassing the ACK/framer pulls pack1RTT does: used for CONNECTION_CLOSE,
// which must go out even when the framer has nothing else queued.
func (p *packetPacker) packShortHeaderFrames(buf []byte, wireFrames []wire.Frame, now time.Time) ([]byte, bool, error) {
	sealer, err := p.cryptoSetup.Get1RTTSealer()
	if err != nil || sealer == nil {
		return buf, false, err
	}

	pn, pnLen := p.sent.PeekPacketNumber(protocol.Encryption1RTT)
	sh := &wire.ShortHeader{DestConnectionID: p.getDestConnID(), PacketNumber: pn, PacketNumberLen: pnLen, KeyPhase: sealer.KeyPhase()}
	header := sh.Append(nil)
	pnOffset := len(header) - int(pnLen)

	payload, err := encodeFrames(wireFrames, p.version)
	if err != nil {
		return buf, false, err
	}

	base := len(buf)
	packet := append(buf, header...)
	sealed := sealer.Seal(nil, payload, pn, header)
	packet = append(packet, sealed...)

	samplePos := base + pnOffset + 4
	sealer.EncryptHeader(packet[samplePos:samplePos+16], &packet[base], packet[base+pnOffset:base+pnOffset+int(pnLen)])

	p.sent.PopPacketNumber(protocol.Encryption1RTT)
	ackFrames := make([]*ackhandler.Frame, len(wireFrames))
	for i, f := range wireFrames {
		ackFrames[i] = &ackhandler.Frame{Frame: f}
	}
	p.sent.SentPacket(now, pn, ackFrames, protocol.Encryption1RTT, protocol.ByteCount(len(header)+len(sealed)), false)
	if p.metrics != nil {
		p.metrics.PacketSent(protocol.Encryption1RTT)
	}
	return packet, true, nil
}

// longHeaderLen computes a long header's on-wire length without building
// it, so the packer can size its frame budget before collecting frames.
func longHeaderLen(typ protocol.PacketType, destConnID, srcConnID protocol.ConnectionID, token []byte, pnLen protocol.PacketNumberLen) protocol.ByteCount {
	l := protocol.ByteCount(1 + 4 + 1 + destConnID.Len() + 1 + srcConnID.Len())
	if typ == protocol.PacketTypeInitial {
		l += protocol.ByteCount(quicvarint.Len(uint64(len(token))) + len(token))
	}
	l += lengthFieldSize
	l += protocol.ByteCount(pnLen)
	return l
}

func encodeFrames(frames []wire.Frame, v protocol.Version) ([]byte, error) {
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = f.Append(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// connectionCloseFrameFor translates a locally- or peer-raised close error
// into the CONNECTION_CLOSE frame that reports it, RFC 9000 §19.19.
func connectionCloseFrameFor(closeErr error) *wire.ConnectionCloseFrame {
	var appErr *qerr.ApplicationError
	if errors.As(closeErr, &appErr) {
		return &wire.ConnectionCloseFrame{IsApplicationError: true, ErrorCode: appErr.ErrorCode, ReasonPhrase: appErr.ErrorMessage}
	}
	var transportErr *qerr.TransportError
	if errors.As(closeErr, &transportErr) {
		return &wire.ConnectionCloseFrame{ErrorCode: uint64(transportErr.ErrorCode), FrameType: wire.FrameType(transportErr.FrameType), ReasonPhrase: transportErr.ErrorMessage}
	}
	return &wire.ConnectionCloseFrame{ErrorCode: uint64(qerr.InternalError), ReasonPhrase: closeErr.Error()}
}
