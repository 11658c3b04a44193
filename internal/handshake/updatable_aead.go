package handshake

import (
	"crypto"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/qerr"
	"github.com/nanoq/nanoq/internal/utils"
)

// ShortHeaderSealer seals 1-RTT packets and tracks when a key update may be
// initiated.
type ShortHeaderSealer interface {
	LongHeaderSealer
	KeyPhase() protocol.KeyPhaseBit
}

// ShortHeaderOpener opens 1-RTT packets, transparently accepting and
// rolling to the peer's next key phase.
type ShortHeaderOpener interface {
	Open(dst, src []byte, rcvTime time.Time, pn protocol.PacketNumber, kp protocol.KeyPhaseBit, ad []byte) ([]byte, error)
	DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
	DecodePacketNumber(wirePN protocol.PacketNumber, wirePNLen protocol.PacketNumberLen) protocol.PacketNumber
	SetLargestAcked(protocol.PacketNumber) error
}

// FirstKeyUpdateInterval bounds how many packets are sent or received in key
// phase zero before a key update is initiated, exercising the mechanism
// early rather than waiting for KeyUpdateInterval.
var FirstKeyUpdateInterval uint64 = 100

// updatableAEAD implements the 1-RTT key update state machine, RFC 9001
// §6: both peers keep the current, and pre-derive the next, traffic secret;
// a KeyPhaseBit flip signals a roll, and old keys are retained for a short
// grace period to absorb reordering across the switch.
type updatableAEAD struct {
	suite uint16
	hash  crypto.Hash

	keyPhase     protocol.KeyPhaseBit
	largestAcked protocol.PacketNumber

	invalidPacketLimit uint64
	invalidPacketCount uint64

	prevRcvAEADExpiry time.Time
	prevRcvAEAD       cipher.AEAD

	firstRcvdWithCurrentKey protocol.PacketNumber
	firstSentWithCurrentKey protocol.PacketNumber
	highestRcvdPN           protocol.PacketNumber
	numRcvdWithCurrentKey   uint64
	numSentWithCurrentKey   uint64
	rcvAEAD                 cipher.AEAD
	sendAEAD                cipher.AEAD
	aeadOverhead             int

	nextRcvAEAD           cipher.AEAD
	nextSendAEAD          cipher.AEAD
	nextRcvTrafficSecret  []byte
	nextSendTrafficSecret []byte

	headerDecrypter headerProtector
	headerEncrypter headerProtector

	rttStats *utils.RTTStats
	logger   utils.Logger

	handshakeConfirmed bool
	nonceBuf           []byte
	nextKeyUpdateTime  time.Time
}

func newUpdatableAEAD(rttStats *utils.RTTStats, logger utils.Logger) *updatableAEAD {
	return &updatableAEAD{
		rttStats:                rttStats,
		logger:                  logger,
		largestAcked:            protocol.InvalidPacketNumber,
		firstRcvdWithCurrentKey: protocol.InvalidPacketNumber,
		firstSentWithCurrentKey: protocol.InvalidPacketNumber,
	}
}

func (a *updatableAEAD) getNextTrafficSecret(ts []byte) []byte {
	return hkdfExpandLabel(a.hash, ts, nil, "quic ku", a.hash.Size())
}

// SetReadKey installs the read secret for the given suite. Called once,
// from the TLS 1.3 ApplicationReadSecret event.
func (a *updatableAEAD) SetReadKey(suite uint16, trafficSecret []byte) error {
	aead, err := createAEAD(suite, trafficSecret)
	if err != nil {
		return err
	}
	hp, err := createHeaderProtector(suite, trafficSecret)
	if err != nil {
		return err
	}
	a.rcvAEAD = aead
	a.headerDecrypter = hp
	a.setSuiteParameters(suite, aead)

	a.nextRcvTrafficSecret = a.getNextTrafficSecret(trafficSecret)
	a.nextRcvAEAD, err = createAEAD(suite, a.nextRcvTrafficSecret)
	return err
}

// SetWriteKey installs the write secret. Called once, from the TLS 1.3
// ApplicationWriteSecret event.
func (a *updatableAEAD) SetWriteKey(suite uint16, trafficSecret []byte) error {
	aead, err := createAEAD(suite, trafficSecret)
	if err != nil {
		return err
	}
	hp, err := createHeaderProtector(suite, trafficSecret)
	if err != nil {
		return err
	}
	a.sendAEAD = aead
	a.headerEncrypter = hp
	a.setSuiteParameters(suite, aead)

	a.nextSendTrafficSecret = a.getNextTrafficSecret(trafficSecret)
	a.nextSendAEAD, err = createAEAD(suite, a.nextSendTrafficSecret)
	return err
}

func (a *updatableAEAD) setSuiteParameters(suite uint16, aead cipher.AEAD) {
	if a.nonceBuf != nil {
		return
	}
	a.nonceBuf = make([]byte, aead.NonceSize())
	a.aeadOverhead = aead.Overhead()
	a.suite = suite
	_, _, a.hash = suiteParams(suite)
	// RFC 9001 §6.6 gives AES-GCM a much larger confidentiality/integrity
	// budget than ChaCha20-Poly1305 before keys must roll.
	if suite == chachaSuite {
		a.invalidPacketLimit = 1 << 36
	} else {
		a.invalidPacketLimit = 1 << 52
	}
}

func (a *updatableAEAD) rollKeys() {
	if a.prevRcvAEAD != nil {
		a.prevRcvAEADExpiry = time.Time{}
	}
	a.keyPhase = a.keyPhase.Opposite()
	a.firstRcvdWithCurrentKey = protocol.InvalidPacketNumber
	a.firstSentWithCurrentKey = protocol.InvalidPacketNumber
	a.numRcvdWithCurrentKey = 0
	a.numSentWithCurrentKey = 0
	a.prevRcvAEAD = a.rcvAEAD
	a.rcvAEAD = a.nextRcvAEAD
	a.sendAEAD = a.nextSendAEAD

	a.nextRcvTrafficSecret = a.getNextTrafficSecret(a.nextRcvTrafficSecret)
	a.nextSendTrafficSecret = a.getNextTrafficSecret(a.nextSendTrafficSecret)
	a.nextRcvAEAD, _ = createAEAD(a.suite, a.nextRcvTrafficSecret)
	a.nextSendAEAD, _ = createAEAD(a.suite, a.nextSendTrafficSecret)

	a.nextKeyUpdateTime = time.Now().Add(3 * a.rttStats.PTO(true))
}

func (a *updatableAEAD) startKeyDropTimer(now time.Time) {
	a.prevRcvAEADExpiry = now.Add(3 * a.rttStats.PTO(true))
}

// DecodePacketNumber reconstructs a full packet number against the highest
// one successfully unprotected so far.
func (a *updatableAEAD) DecodePacketNumber(wirePN protocol.PacketNumber, wirePNLen protocol.PacketNumberLen) protocol.PacketNumber {
	return protocol.DecodePacketNumber(wirePNLen, a.highestRcvdPN, wirePN)
}

func (a *updatableAEAD) Open(dst, src []byte, rcvTime time.Time, pn protocol.PacketNumber, kp protocol.KeyPhaseBit, ad []byte) ([]byte, error) {
	dec, err := a.open(dst, src, rcvTime, pn, kp, ad)
	if err == ErrDecryptionFailed {
		a.invalidPacketCount++
		if a.invalidPacketCount >= a.invalidPacketLimit {
			return nil, qerr.NewTransportError(qerr.AEADLimitReached, "aead integrity limit reached")
		}
	}
	if err == nil {
		a.highestRcvdPN = protocol.MaxPacketNumber(a.highestRcvdPN, pn)
	}
	return dec, err
}

func (a *updatableAEAD) open(dst, src []byte, rcvTime time.Time, pn protocol.PacketNumber, kp protocol.KeyPhaseBit, ad []byte) ([]byte, error) {
	if a.prevRcvAEAD != nil && !a.prevRcvAEADExpiry.IsZero() && rcvTime.After(a.prevRcvAEADExpiry) {
		a.prevRcvAEAD = nil
		a.prevRcvAEADExpiry = time.Time{}
	}

	binary.BigEndian.PutUint64(a.nonceBuf[len(a.nonceBuf)-8:], uint64(pn))

	if kp != a.keyPhase {
		if a.firstRcvdWithCurrentKey == protocol.InvalidPacketNumber || pn < a.firstRcvdWithCurrentKey {
			if a.prevRcvAEAD == nil {
				return nil, ErrDecryptionFailed
			}
			dec, err := a.prevRcvAEAD.Open(dst, a.nonceBuf, src, ad)
			if err != nil {
				return nil, ErrDecryptionFailed
			}
			return dec, nil
		}
		dec, err := a.nextRcvAEAD.Open(dst, a.nonceBuf, src, ad)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		if a.firstSentWithCurrentKey == protocol.InvalidPacketNumber {
			return nil, qerr.NewTransportError(qerr.KeyUpdateError, "keys updated too quickly")
		}
		a.rollKeys()
		a.startKeyDropTimer(rcvTime)
		a.firstRcvdWithCurrentKey = pn
		return dec, nil
	}
	dec, err := a.rcvAEAD.Open(dst, a.nonceBuf, src, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	a.numRcvdWithCurrentKey++
	if a.firstRcvdWithCurrentKey == protocol.InvalidPacketNumber {
		a.startKeyDropTimer(rcvTime)
		a.firstRcvdWithCurrentKey = pn
	}
	return dec, nil
}

func (a *updatableAEAD) Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte {
	if a.firstSentWithCurrentKey == protocol.InvalidPacketNumber {
		a.firstSentWithCurrentKey = pn
	}
	a.numSentWithCurrentKey++
	binary.BigEndian.PutUint64(a.nonceBuf[len(a.nonceBuf)-8:], uint64(pn))
	return a.sendAEAD.Seal(dst, a.nonceBuf, src, ad)
}

// SetLargestAcked reports that the peer acknowledged pn, failing if that
// implies the peer saw a packet in a key phase it never independently
// rolled to.
func (a *updatableAEAD) SetLargestAcked(pn protocol.PacketNumber) error {
	if a.firstSentWithCurrentKey != protocol.InvalidPacketNumber &&
		pn >= a.firstSentWithCurrentKey && a.numRcvdWithCurrentKey == 0 {
		return qerr.NewTransportError(qerr.KeyUpdateError, fmt.Sprintf("received ACK for key phase %d, but peer didn't update keys", a.keyPhase))
	}
	a.largestAcked = pn
	return nil
}

func (a *updatableAEAD) SetHandshakeConfirmed() { a.handshakeConfirmed = true }

func (a *updatableAEAD) updateAllowed() bool {
	if !a.handshakeConfirmed {
		return false
	}
	return a.keyPhase == protocol.KeyPhaseZero ||
		(a.firstSentWithCurrentKey != protocol.InvalidPacketNumber &&
			a.largestAcked != protocol.InvalidPacketNumber &&
			a.largestAcked >= a.firstSentWithCurrentKey)
}

func (a *updatableAEAD) shouldInitiateKeyUpdate() bool {
	if !a.updateAllowed() {
		return false
	}
	if !a.nextKeyUpdateTime.IsZero() && time.Now().Before(a.nextKeyUpdateTime) {
		return false
	}
	if a.keyPhase == protocol.KeyPhaseZero &&
		(a.numRcvdWithCurrentKey >= FirstKeyUpdateInterval || a.numSentWithCurrentKey >= FirstKeyUpdateInterval) {
		return true
	}
	return a.numRcvdWithCurrentKey >= protocol.KeyUpdateInterval || a.numSentWithCurrentKey >= protocol.KeyUpdateInterval
}

func (a *updatableAEAD) KeyPhase() protocol.KeyPhaseBit {
	if a.shouldInitiateKeyUpdate() {
		a.rollKeys()
	}
	return a.keyPhase
}

func (a *updatableAEAD) Overhead() int { return a.aeadOverhead }

func (a *updatableAEAD) EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	mask := make([]byte, 16)
	a.headerEncrypter.Encrypt(mask, sample)
	*firstByte ^= mask[0] & 0x1f
	for i := range pnBytes {
		pnBytes[i] ^= mask[i+1]
	}
}

func (a *updatableAEAD) DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	mask := make([]byte, 16)
	a.headerDecrypter.Encrypt(mask, sample)
	*firstByte ^= mask[0] & 0x1f
	for i := range pnBytes {
		pnBytes[i] ^= mask[i+1]
	}
}
