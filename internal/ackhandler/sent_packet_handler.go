package ackhandler

import (
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/congestion"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

const (
	// timeThreshold is the 9/8 multiplier of RFC 9002 §6.1.2.
	timeThresholdNum = 9
	timeThresholdDen = 8
	// packetThreshold is RFC 9002 §6.1.1's kPacketThreshold.
	packetThreshold = protocol.PacketNumber(3)
	// maxPTOCount bounds the exponential PTO backoff at a sane ceiling.
	maxPTOCount = 16
)

// packetNumberSpace holds everything loss detection needs for one of the
// three packet number spaces a connection runs (Initial, Handshake,
// Application data), RFC 9002 §A.
type packetNumberSpace struct {
	history      *sentPacketHistory
	pns          *packetNumberGenerator
	largestAcked protocol.PacketNumber

	lossTime           time.Time
	lastAckElicitingPacketTime time.Time

	dropped bool
}

func newPacketNumberSpace(initialPN protocol.PacketNumber, skipPNs bool) *packetNumberSpace {
	avg := protocol.PacketNumber(protocol.SkipPacketAveragePeriodLength)
	if !skipPNs {
		avg = protocol.MaxPacketNumber(1<<30, avg)
	}
	return &packetNumberSpace{
		history:      newSentPacketHistory(),
		pns:          newPacketNumberGenerator(initialPN, avg),
		largestAcked: protocol.InvalidPacketNumber,
	}
}

type sentPacketHandler struct {
	initialPackets   *packetNumberSpace
	handshakePackets *packetNumberSpace
	appDataPackets   *packetNumberSpace

	handshakeConfirmed bool

	rttStats *utils.RTTStats
	congestion congestion.SendAlgorithmWithDebugInfo

	bytesInFlight protocol.ByteCount

	ptoCount        int
	ptoMode         SendMode
	numProbesToSend int
	lostPacketCount int

	perspective protocol.Perspective
	logger      utils.Logger

	closed bool
}

// NewSentPacketHandler builds a handler driving a NewReno congestion
// controller over the given RTT estimator, starting in the Initial space.
func NewSentPacketHandler(initialPN protocol.PacketNumber, initialMaxDatagramSize protocol.ByteCount, rttStats *utils.RTTStats, pers protocol.Perspective, logger utils.Logger) SentPacketHandler {
	return &sentPacketHandler{
		initialPackets:   newPacketNumberSpace(initialPN, false),
		handshakePackets: newPacketNumberSpace(0, false),
		appDataPackets:   newPacketNumberSpace(0, true),
		rttStats:         rttStats,
		congestion:       congestion.NewRenoSender(rttStats, initialMaxDatagramSize, protocol.DefaultMaxCongestionWindow),
		perspective:      pers,
		logger:           logger,
	}
}

func (h *sentPacketHandler) getPacketNumberSpace(level protocol.EncryptionLevel) *packetNumberSpace {
	switch level {
	case protocol.EncryptionInitial:
		return h.initialPackets
	case protocol.EncryptionHandshake:
		return h.handshakePackets
	case protocol.Encryption0RTT, protocol.Encryption1RTT:
		return h.appDataPackets
	default:
		panic(fmt.Sprintf("sent_packet_handler: unexpected encryption level %s", level))
	}
}

func (h *sentPacketHandler) PeekPacketNumber(level protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen) {
	pnSpace := h.getPacketNumberSpace(level)
	next, _ := pnSpace.pns.Peek()
	return next, protocol.PacketNumberLengthForHeader(next, pnSpace.largestAcked)
}

func (h *sentPacketHandler) PopPacketNumber(level protocol.EncryptionLevel) protocol.PacketNumber {
	return h.getPacketNumberSpace(level).pns.Pop()
}

func (h *sentPacketHandler) SentPacket(sentTime time.Time, pn protocol.PacketNumber, frames []*Frame, level protocol.EncryptionLevel, size protocol.ByteCount, isAckEliciting bool) {
	pnSpace := h.getPacketNumberSpace(level)

	p := &Packet{
		PacketNumber:    pn,
		Frames:          frames,
		Length:          size,
		EncryptionLevel: level,
		SendTime:        sentTime,
	}
	pnSpace.history.SentPacket(p)

	if isAckEliciting {
		pnSpace.lastAckElicitingPacketTime = sentTime
		h.bytesInFlight += size
		h.congestion.OnPacketSent(sentTime, h.bytesInFlight, pn, size, true)
		if h.numProbesToSend > 0 {
			h.numProbesToSend--
		}
	}
}

// ReceivedAck applies an incoming ACK frame: it removes newly-acked packets
// from the relevant space's history, feeds the congestion controller, and
// runs loss detection for anything skipped over.
func (h *sentPacketHandler) ReceivedAck(ack *wire.AckFrame, level protocol.EncryptionLevel, rcvTime time.Time) (bool, error) {
	pnSpace := h.getPacketNumberSpace(level)

	largestAcked := ack.LargestAcked()
	if largestAcked > pnSpace.largestAcked {
		pnSpace.largestAcked = largestAcked
	}

	priorInFlight := h.bytesInFlight
	ackedAnything := false
	var ackedAckEliciting bool
	var largestNewlyAcked protocol.PacketNumber = protocol.InvalidPacketNumber
	var largestNewlyAckedTime time.Time

	err := pnSpace.history.Iterate(func(p *Packet) (bool, error) {
		if p.PacketNumber > largestAcked {
			return false, nil
		}
		if !ack.AcksPacket(p.PacketNumber) {
			return true, nil
		}
		ackedAnything = true
		if len(p.Frames) > 0 {
			ackedAckEliciting = true
		}
		if p.PacketNumber >= largestNewlyAcked {
			largestNewlyAcked = p.PacketNumber
			largestNewlyAckedTime = p.SendTime
		}
		h.onPacketAcked(p, priorInFlight, rcvTime)
		pnSpace.history.Remove(p.PacketNumber)
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if !ackedAnything {
		return false, nil
	}

	if ackedAckEliciting && largestNewlyAcked == largestAcked {
		ackDelay := ack.DelayTime
		if level != protocol.Encryption1RTT {
			ackDelay = 0
		}
		h.rttStats.UpdateRTT(rcvTime.Sub(largestNewlyAckedTime), ackDelay, rcvTime)
	}

	h.ptoCount = 0

	if err := h.detectLostPackets(rcvTime, level); err != nil {
		return false, err
	}
	return ackedAckEliciting, nil
}

func (h *sentPacketHandler) onPacketAcked(p *Packet, priorInFlight protocol.ByteCount, rcvTime time.Time) {
	for _, f := range p.Frames {
		if f.OnAcked != nil {
			f.OnAcked(f.Frame)
		}
	}
	if len(p.Frames) == 0 {
		return
	}
	if h.bytesInFlight >= p.Length {
		h.bytesInFlight -= p.Length
	} else {
		h.bytesInFlight = 0
	}
	h.congestion.OnPacketAcked(p.PacketNumber, p.Length, priorInFlight, rcvTime)
}

// detectLostPackets implements RFC 9002 §6.1: a packet is declared lost once
// a later packet is acked and either packetThreshold packets have since been
// sent, or enough time (9/8 of the larger of latest/smoothed RTT) has
// passed since it was sent.
func (h *sentPacketHandler) detectLostPackets(now time.Time, level protocol.EncryptionLevel) error {
	pnSpace := h.getPacketNumberSpace(level)
	maxRTT := utils.MaxDuration(h.rttStats.LatestRTT(), h.rttStats.SmoothedRTT())
	lossDelay := maxRTT * timeThresholdNum / timeThresholdDen
	if lossDelay < protocol.TimerGranularity {
		lossDelay = protocol.TimerGranularity
	}

	lostPNs := make([]protocol.PacketNumber, 0, 4)
	pnSpace.lossTime = time.Time{}

	err := pnSpace.history.Iterate(func(p *Packet) (bool, error) {
		if p.PacketNumber > pnSpace.largestAcked {
			return false, nil
		}
		if p.SkippedPacket {
			return true, nil
		}
		var lost bool
		if pnSpace.largestAcked-p.PacketNumber >= packetThreshold {
			lost = true
		}
		sinceSent := now.Sub(p.SendTime)
		if sinceSent > lossDelay {
			lost = true
		}
		if !lost {
			lossTime := p.SendTime.Add(lossDelay)
			if pnSpace.lossTime.IsZero() || lossTime.Before(pnSpace.lossTime) {
				pnSpace.lossTime = lossTime
			}
			return true, nil
		}
		lostPNs = append(lostPNs, p.PacketNumber)
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, pn := range lostPNs {
		p := pnSpace.history.Packet(pn)
		if p == nil {
			continue
		}
		for _, f := range p.Frames {
			if f.OnLost != nil {
				f.OnLost(f.Frame)
			}
		}
		if h.bytesInFlight >= p.Length {
			h.bytesInFlight -= p.Length
		} else {
			h.bytesInFlight = 0
		}
		if len(p.Frames) > 0 {
			h.congestion.OnPacketLost(pn, p.Length, h.bytesInFlight)
		}
		pnSpace.history.DeclareLost(pn)
		pnSpace.history.Remove(pn)
		h.lostPacketCount++
	}
	return nil
}

// GetLossDetectionTimeout returns the next time at which either a loss
// timer or the probe timeout in one of the active spaces fires, RFC 9002
// §6.2 and §6.1.2 combined into one alarm per connection.
func (h *sentPacketHandler) GetLossDetectionTimeout() time.Time {
	var deadline time.Time
	for _, pnSpace := range h.activeSpaces() {
		if pnSpace.lossTime.IsZero() {
			continue
		}
		if deadline.IsZero() || pnSpace.lossTime.Before(deadline) {
			deadline = pnSpace.lossTime
		}
	}
	if !deadline.IsZero() {
		return deadline
	}
	if h.bytesInFlight == 0 {
		return time.Time{}
	}
	pto := h.ptoTimeout()
	if pto.IsZero() {
		return time.Time{}
	}
	return pto
}

func (h *sentPacketHandler) ptoTimeout() time.Time {
	t, _, ok := h.ptoTimeAndSpace()
	if !ok {
		return time.Time{}
	}
	return t
}

// ptoTimeAndSpace picks the packet number space whose probe timeout fires
// earliest, RFC 9002 §6.2.1: a PTO is armed independently per space, off
// that space's own last ack-eliciting send time, and the one that expires
// soonest is the one that governs. Iterating activeSpaces() and keeping
// the last match (as OnLossDetectionTimeout used to) silently picks
// whichever space happens to be iterated last instead of whichever is
// actually due soonest.
func (h *sentPacketHandler) ptoTimeAndSpace() (time.Time, protocol.EncryptionLevel, bool) {
	var pto time.Time
	var level protocol.EncryptionLevel
	var found bool
	for _, pnSpace := range h.activeSpaces() {
		if pnSpace.lastAckElicitingPacketTime.IsZero() {
			continue
		}
		includeMaxAckDelay := pnSpace == h.appDataPackets && h.handshakeConfirmed
		timeout := h.rttStats.PTO(includeMaxAckDelay)
		for i := 0; i < h.ptoCount; i++ {
			timeout *= 2
		}
		t := pnSpace.lastAckElicitingPacketTime.Add(timeout)
		if !found || t.Before(pto) {
			pto = t
			found = true
			switch pnSpace {
			case h.initialPackets:
				level = protocol.EncryptionInitial
			case h.handshakePackets:
				level = protocol.EncryptionHandshake
			default:
				level = protocol.Encryption1RTT
			}
		}
	}
	return pto, level, found
}

func (h *sentPacketHandler) activeSpaces() []*packetNumberSpace {
	var spaces []*packetNumberSpace
	if !h.initialPackets.dropped {
		spaces = append(spaces, h.initialPackets)
	}
	if !h.handshakePackets.dropped {
		spaces = append(spaces, h.handshakePackets)
	}
	spaces = append(spaces, h.appDataPackets)
	return spaces
}

func (h *sentPacketHandler) OnLossDetectionTimeout() error {
	now := time.Now()
	for _, pnSpace := range h.activeSpaces() {
		if !pnSpace.lossTime.IsZero() && !now.Before(pnSpace.lossTime) {
			var level protocol.EncryptionLevel
			switch pnSpace {
			case h.initialPackets:
				level = protocol.EncryptionInitial
			case h.handshakePackets:
				level = protocol.EncryptionHandshake
			default:
				level = protocol.Encryption1RTT
			}
			return h.detectLostPackets(now, level)
		}
	}

	// no loss timer fired: this is a PTO. RFC 9002 §6.2.1 requires the
	// probe go out at the earliest space with outstanding crypto data, or
	// the highest space with in-flight application data; ptoTimeAndSpace
	// picks that space by comparing each space's own deadline rather than
	// by iteration order.
	_, level, ok := h.ptoTimeAndSpace()
	if !ok {
		return nil
	}
	h.ptoCount++
	if h.ptoCount > maxPTOCount {
		h.ptoCount = maxPTOCount
	}
	h.numProbesToSend += 2
	h.congestion.OnRetransmissionTimeout(true)

	switch level {
	case protocol.EncryptionInitial:
		h.ptoMode = SendPTOInitial
	case protocol.EncryptionHandshake:
		h.ptoMode = SendPTOHandshake
	default:
		h.ptoMode = SendPTOAppData
	}
	return nil
}

func (h *sentPacketHandler) QueueProbePacket(level protocol.EncryptionLevel) bool {
	pnSpace := h.getPacketNumberSpace(level)
	p := pnSpace.history.FirstOutstanding()
	if p == nil {
		return false
	}
	for _, f := range p.Frames {
		if f.OnLost != nil {
			f.OnLost(f.Frame)
		}
	}
	pnSpace.history.Remove(p.PacketNumber)
	return true
}

func (h *sentPacketHandler) SendMode(now time.Time) SendMode {
	if h.numProbesToSend > 0 {
		mode := h.ptoMode
		if mode == SendNone {
			mode = SendPTOAppData
		}
		return mode
	}
	if !h.congestion.CanSend(h.bytesInFlight) {
		return SendNone
	}
	return SendAny
}

// GetBytesInFlight, GetCongestionWindow, GetPTOCount, and
// GetLostPacketCount expose loss-detection and congestion state for
// observability (nanoq/internal/metrics). None of them affect the send
// path; they only report on it.
func (h *sentPacketHandler) GetBytesInFlight() protocol.ByteCount { return h.bytesInFlight }
func (h *sentPacketHandler) GetCongestionWindow() protocol.ByteCount {
	return h.congestion.GetCongestionWindow()
}
func (h *sentPacketHandler) GetPTOCount() int         { return h.ptoCount }
func (h *sentPacketHandler) GetLostPacketCount() int  { return h.lostPacketCount }

func (h *sentPacketHandler) TimeUntilSend() time.Time {
	t := h.congestion.TimeUntilSend(h.bytesInFlight)
	if t == utils.InfDuration {
		return time.Time{}
	}
	if t <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t)
}

func (h *sentPacketHandler) DropPackets(level protocol.EncryptionLevel) {
	pnSpace := h.getPacketNumberSpace(level)
	if pnSpace == h.appDataPackets {
		return
	}
	pnSpace.dropped = true
	pnSpace.history.Iterate(func(p *Packet) (bool, error) {
		if h.bytesInFlight >= p.Length {
			h.bytesInFlight -= p.Length
		}
		return true, nil
	})
	pnSpace.history = newSentPacketHistory()
}

func (h *sentPacketHandler) ResetForRetry() error {
	h.initialPackets.history.Iterate(func(p *Packet) (bool, error) {
		for _, f := range p.Frames {
			if f.OnLost != nil {
				f.OnLost(f.Frame)
			}
		}
		return true, nil
	})
	h.initialPackets = newPacketNumberSpace(0, false)
	h.bytesInFlight = 0
	return nil
}

func (h *sentPacketHandler) SetHandshakeConfirmed() {
	h.handshakeConfirmed = true
}

func (h *sentPacketHandler) Close(err error) {
	h.closed = true
}

var _ SentPacketHandler = &sentPacketHandler{}
