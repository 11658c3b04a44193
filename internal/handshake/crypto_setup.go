package handshake

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/qerr"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

// EventKind classifies what CryptoSetup wants the connection to do next
// after a call to Drive.
type EventKind int

const (
	EventNone EventKind = iota
	// EventWriteCryptoData carries handshake bytes to send in a CRYPTO
	// frame at the paired EncryptionLevel.
	EventWriteCryptoData
	// EventReceivedTransportParameters fires once, the first time the
	// peer's transport parameters are available.
	EventReceivedTransportParameters
	// EventHandshakeComplete fires when the TLS handshake finishes.
	EventHandshakeComplete
)

// Event is one unit of work Drive asks the caller to perform.
type Event struct {
	Kind  EventKind
	Level protocol.EncryptionLevel
	Data  []byte
}

// CryptoSetup drives a stdlib tls.QUICConn through the handshake, handing
// back derived keys for each encryption level as they become available and
// surfacing handshake bytes that must be carried in CRYPTO frames.
type CryptoSetup struct {
	perspective protocol.Perspective
	version     protocol.Version
	tlsConn     *tls.QUICConn

	mutex sync.Mutex

	initialSealer LongHeaderSealer
	initialOpener LongHeaderOpener

	handshakeSealer LongHeaderSealer
	handshakeOpener LongHeaderOpener

	aead *updatableAEAD

	ourParams  *wire.TransportParameters
	peerParams *wire.TransportParameters

	handshakeComplete bool
	paramsReceived    bool

	rttStats *utils.RTTStats
	logger   utils.Logger
}

func newCryptoSetup(
	destConnID protocol.ConnectionID,
	ourParams *wire.TransportParameters,
	rttStats *utils.RTTStats,
	logger utils.Logger,
	pers protocol.Perspective,
	version protocol.Version,
) (*CryptoSetup, error) {
	initialSealer, initialOpener, err := NewInitialAEAD(destConnID, pers, version)
	if err != nil {
		return nil, err
	}
	return &CryptoSetup{
		perspective:   pers,
		version:       version,
		initialSealer: initialSealer,
		initialOpener: initialOpener,
		ourParams:     ourParams,
		aead:          newUpdatableAEAD(rttStats, logger),
		rttStats:      rttStats,
		logger:        logger,
	}, nil
}

// NewCryptoSetupClient wires a client-side TLS 1.3 handshake over QUIC,
// RFC 9001 §4.
func NewCryptoSetupClient(destConnID protocol.ConnectionID, tlsConf *tls.Config, ourParams *wire.TransportParameters, rttStats *utils.RTTStats, logger utils.Logger, version protocol.Version) (*CryptoSetup, error) {
	cs, err := newCryptoSetup(destConnID, ourParams, rttStats, logger, protocol.PerspectiveClient, version)
	if err != nil {
		return nil, err
	}
	conf := tlsConf.Clone()
	conf.MinVersion = tls.VersionTLS13
	cs.tlsConn = tls.QUICClient(&tls.QUICConfig{TLSConfig: conf})
	cs.tlsConn.SetTransportParameters(ourParams.Marshal(protocol.PerspectiveClient))
	return cs, nil
}

// NewCryptoSetupServer wires a server-side TLS 1.3 handshake over QUIC.
func NewCryptoSetupServer(destConnID protocol.ConnectionID, tlsConf *tls.Config, ourParams *wire.TransportParameters, rttStats *utils.RTTStats, logger utils.Logger, version protocol.Version) (*CryptoSetup, error) {
	cs, err := newCryptoSetup(destConnID, ourParams, rttStats, logger, protocol.PerspectiveServer, version)
	if err != nil {
		return nil, err
	}
	conf := tlsConf.Clone()
	conf.MinVersion = tls.VersionTLS13
	cs.tlsConn = tls.QUICServer(&tls.QUICConfig{TLSConfig: conf})
	cs.tlsConn.SetTransportParameters(ourParams.Marshal(protocol.PerspectiveServer))
	return cs, nil
}

// StartHandshake kicks off the TLS state machine. Its resulting events (the
// ClientHello, for a client) are collected by the first Drive call.
func (cs *CryptoSetup) StartHandshake(ctx context.Context) error {
	return cs.tlsConn.Start(ctx)
}

// HandleMessage feeds CRYPTO frame bytes received at the given level into
// the TLS state machine.
func (cs *CryptoSetup) HandleMessage(data []byte, level protocol.EncryptionLevel) error {
	return cs.tlsConn.HandleData(toQUICLevel(level), data)
}

// Drive pumps pending tls.QUICConn events, installing Handshake and 1-RTT
// keys itself as TLS releases them, and translates the rest into Events the
// caller must act on (send CRYPTO data, learn the peer's transport
// parameters, notice the handshake completed).
func (cs *CryptoSetup) Drive() ([]Event, error) {
	var events []Event
	for {
		ev := cs.tlsConn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return events, nil
		case tls.QUICSetReadSecret:
			if err := cs.setReadSecret(ev); err != nil {
				return events, err
			}
		case tls.QUICSetWriteSecret:
			if err := cs.setWriteSecret(ev); err != nil {
				return events, err
			}
		case tls.QUICWriteData:
			events = append(events, Event{Kind: EventWriteCryptoData, Level: fromQUICLevel(ev.Level), Data: ev.Data})
		case tls.QUICTransportParameters:
			cs.mutex.Lock()
			p := &wire.TransportParameters{}
			other := cs.perspective.Opposite()
			err := p.Unmarshal(ev.Data, other)
			if err == nil {
				cs.peerParams = p
				cs.paramsReceived = true
			}
			cs.mutex.Unlock()
			if err != nil {
				return events, qerr.NewTransportError(qerr.TransportParameterError, err.Error())
			}
			events = append(events, Event{Kind: EventReceivedTransportParameters})
		case tls.QUICTransportParametersRequired:
			cs.tlsConn.SetTransportParameters(cs.ourParams.Marshal(cs.perspective))
		case tls.QUICHandshakeDone:
			cs.mutex.Lock()
			cs.handshakeComplete = true
			cs.mutex.Unlock()
			events = append(events, Event{Kind: EventHandshakeComplete})
		case tls.QUICRejectedEarlyData:
			// 0-RTT rejected; caller discards any 0-RTT data it sent.
		}
	}
}

func (cs *CryptoSetup) setReadSecret(ev tls.QUICEvent) error {
	switch ev.Level {
	case tls.QUICEncryptionLevelHandshake:
		aead, err := createAEAD(ev.Suite, ev.Data)
		if err != nil {
			return err
		}
		hp, err := createHeaderProtector(ev.Suite, ev.Data)
		if err != nil {
			return err
		}
		cs.handshakeOpener = newLongHeaderOpener(aead, hp)
	case tls.QUICEncryptionLevelApplication:
		return cs.aead.SetReadKey(ev.Suite, ev.Data)
	}
	return nil
}

func (cs *CryptoSetup) setWriteSecret(ev tls.QUICEvent) error {
	switch ev.Level {
	case tls.QUICEncryptionLevelHandshake:
		aead, err := createAEAD(ev.Suite, ev.Data)
		if err != nil {
			return err
		}
		hp, err := createHeaderProtector(ev.Suite, ev.Data)
		if err != nil {
			return err
		}
		cs.handshakeSealer = newLongHeaderSealer(aead, hp)
	case tls.QUICEncryptionLevelApplication:
		return cs.aead.SetWriteKey(ev.Suite, ev.Data)
	}
	return nil
}

func toQUICLevel(level protocol.EncryptionLevel) tls.QUICEncryptionLevel {
	switch level {
	case protocol.EncryptionInitial:
		return tls.QUICEncryptionLevelInitial
	case protocol.EncryptionHandshake:
		return tls.QUICEncryptionLevelHandshake
	case protocol.Encryption0RTT:
		return tls.QUICEncryptionLevelEarly
	case protocol.Encryption1RTT:
		return tls.QUICEncryptionLevelApplication
	default:
		panic(fmt.Sprintf("handshake: invalid encryption level %s", level))
	}
}

func fromQUICLevel(level tls.QUICEncryptionLevel) protocol.EncryptionLevel {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return protocol.EncryptionInitial
	case tls.QUICEncryptionLevelHandshake:
		return protocol.EncryptionHandshake
	case tls.QUICEncryptionLevelEarly:
		return protocol.Encryption0RTT
	case tls.QUICEncryptionLevelApplication:
		return protocol.Encryption1RTT
	default:
		panic(fmt.Sprintf("handshake: invalid QUIC encryption level %d", level))
	}
}

func (cs *CryptoSetup) GetInitialSealer() LongHeaderSealer { return cs.initialSealer }
func (cs *CryptoSetup) GetInitialOpener() LongHeaderOpener { return cs.initialOpener }

func (cs *CryptoSetup) GetHandshakeSealer() (LongHeaderSealer, error) {
	if cs.handshakeSealer == nil {
		return nil, errKeysNotYetAvailable
	}
	return cs.handshakeSealer, nil
}

func (cs *CryptoSetup) GetHandshakeOpener() (LongHeaderOpener, error) {
	if cs.handshakeOpener == nil {
		return nil, errKeysNotYetAvailable
	}
	return cs.handshakeOpener, nil
}

func (cs *CryptoSetup) Get1RTTSealer() (ShortHeaderSealer, error) {
	if cs.aead.sendAEAD == nil {
		return nil, errKeysNotYetAvailable
	}
	return cs.aead, nil
}

func (cs *CryptoSetup) Get1RTTOpener() (ShortHeaderOpener, error) {
	if cs.aead.rcvAEAD == nil {
		return nil, errKeysNotYetAvailable
	}
	return cs.aead, nil
}

func (cs *CryptoSetup) DropInitialKeys() {
	cs.initialSealer = nil
	cs.initialOpener = nil
}

func (cs *CryptoSetup) DropHandshakeKeys() {
	cs.handshakeSealer = nil
	cs.handshakeOpener = nil
}

// ConnectionState exposes the negotiated TLS parameters once available.
func (cs *CryptoSetup) ConnectionState() tls.ConnectionState {
	return cs.tlsConn.ConnectionState()
}

func (cs *CryptoSetup) HandshakeComplete() bool {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return cs.handshakeComplete
}

// PeerTransportParameters blocks until the peer's transport parameters have
// been received or the context is done.
func (cs *CryptoSetup) PeerTransportParameters(ctx context.Context, poll time.Duration) (*wire.TransportParameters, error) {
	for {
		cs.mutex.Lock()
		p := cs.peerParams
		cs.mutex.Unlock()
		if p != nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (cs *CryptoSetup) SetHandshakeConfirmed() { cs.aead.SetHandshakeConfirmed() }

var errKeysNotYetAvailable = fmt.Errorf("handshake: keys not yet available")
