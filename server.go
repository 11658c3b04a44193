package nanoq

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nanoq/nanoq/internal/handshake"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// Listener accepts incoming QUIC connections on a single shared UDP socket,
// demultiplexing datagrams by destination connection ID the way the
// teacher's server-side packet handler map does, generalized here from one
// map keyed by connection ID to the same thing plus the Retry/NEW_TOKEN
// address-validation step RFC 9000 §8.1 asks a server to perform before
// committing any per-connection state.
type Listener struct {
	pc      net.PacketConn
	tlsConf *tls.Config
	config  *Config

	tokenGen *handshake.TokenGenerator

	mutex sync.Mutex
	conns map[protocol.ConnectionID]*Conn
	closed bool

	acceptQueue chan *Conn
	closeOnce   sync.Once
	closeChan   chan struct{}

	requireAddressValidation bool
}

// Listen starts accepting QUIC connections on pc. tlsConf must be
// configured to select a certificate (GetCertificate or Certificates).
// Every new client is required to complete a Retry round trip before this
// Listener commits any per-connection state, RFC 9000 §8.1.2.
func Listen(pc net.PacketConn, tlsConf *tls.Config, config *Config) (*Listener, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("nanoq: Listen requires a non-nil tls.Config")
	}
	var key handshake.TokenProtectorKey
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	l := &Listener{
		pc:                       pc,
		tlsConf:                  tlsConf,
		config:                   config,
		tokenGen:                 handshake.NewTokenGenerator(key),
		conns:                    make(map[protocol.ConnectionID]*Conn),
		acceptQueue:              make(chan *Conn, 16),
		closeChan:                make(chan struct{}),
		requireAddressValidation: true,
	}
	go l.readLoop()
	return l, nil
}

// Accept returns the next connection once its handshake completes, or an
// error once the Listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.acceptQueue:
		return c, nil
	case <-l.closeChan:
		return nil, errors.New("nanoq: listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mutex.Lock()
		l.closed = true
		conns := make([]*Conn, 0, len(l.conns))
		for _, c := range l.conns {
			conns = append(conns, c)
		}
		l.mutex.Unlock()
		for _, c := range conns {
			c.Close()
		}
		close(l.closeChan)
	})
	return l.pc.Close()
}

func (l *Listener) Addr() net.Addr { return l.pc.LocalAddr() }

// readLoop is this Listener's Receiver task: it owns the shared socket and
// demultiplexes every datagram to the Conn whose destination connection ID
// it names, handling address validation itself before any Conn exists.
func (l *Listener) readLoop() {
	buf := make([]byte, protocol.MaxPacketBufferSize)
	for {
		n, raddr, err := l.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		l.handleDatagram(data, raddr, time.Now())
	}
}

func (l *Listener) handleDatagram(data []byte, raddr net.Addr, rcvTime time.Time) {
	if len(data) == 0 {
		return
	}
	if !wire.IsLongHeaderPacket(data[0]) {
		l.dispatchByShortHeaderDestID(data, rcvTime)
		return
	}
	hdr, err := wire.ParseHeader(data)
	if err != nil {
		return
	}
	l.mutex.Lock()
	conn, ok := l.conns[hdr.DestConnectionID]
	l.mutex.Unlock()
	if ok {
		conn.handlePacket(data, rcvTime)
		return
	}
	if hdr.Type != protocol.PacketTypeInitial {
		return // no connection for a non-Initial packet to a CID we never issued
	}
	l.handleNewInitial(hdr, data, raddr, rcvTime)
}

// dispatchByShortHeaderDestID demultiplexes a 1-RTT packet: RFC 9000 §17.2
// gives it no length-prefixed connection ID, so the Listener reads the
// destination connection ID at DefaultConnectionIDLength, the length this
// module always issues; no other length is tried.
func (l *Listener) dispatchByShortHeaderDestID(data []byte, rcvTime time.Time) {
	if len(data) < 1+protocol.DefaultConnectionIDLength {
		return
	}
	connID := protocol.ParseConnectionID(data[1 : 1+protocol.DefaultConnectionIDLength])
	l.mutex.Lock()
	conn, ok := l.conns[connID]
	l.mutex.Unlock()
	if ok {
		conn.handlePacket(data, rcvTime)
	}
}

// handleNewInitial is where a server performs RFC 9000 §8.1's address
// validation before committing any per-connection state: no token (or an
// invalid one) gets a Retry back instead of a Conn.
func (l *Listener) handleNewInitial(hdr *wire.Header, data []byte, raddr net.Addr, rcvTime time.Time) {
	tok, err := l.tokenGen.DecodeToken(hdr.Token)
	validated := err == nil && tok != nil && tok.RemoteAddr == raddr.String() && time.Since(tok.SentTime) < protocol.MaxRetryTokenAge
	if l.requireAddressValidation && !validated {
		l.sendRetry(hdr, raddr)
		return
	}

	origDestConnID := hdr.DestConnectionID
	if tok != nil && tok.IsRetryToken {
		origDestConnID = tok.OriginalDestConnectionID
	}

	srcConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		return
	}
	cc := connConfig{
		perspective:    protocol.PerspectiveServer,
		version:        hdr.Version,
		pc:             l.pc,
		remoteAddr:     raddr,
		origDestConnID: origDestConnID,
		destConnID:     hdr.SrcConnectionID,
		srcConnID:      srcConnID,
		tlsConf:        l.tlsConf,
		config:         l.config,
	}
	conn, err := newConnection(cc)
	if err != nil {
		return
	}

	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.conns[srcConnID] = conn
	l.mutex.Unlock()

	go l.runConn(conn)
	conn.handlePacket(data, rcvTime)
}

func (l *Listener) runConn(conn *Conn) {
	go func() {
		select {
		case <-conn.handshakeCompleteChan:
			select {
			case l.acceptQueue <- conn:
			case <-l.closeChan:
			}
		case <-conn.closed:
		}
	}()
	conn.run()
	l.mutex.Lock()
	delete(l.conns, conn.connIDGenerator.currentConnID())
	l.mutex.Unlock()
}

// sendRetry sends a Retry packet carrying a fresh address-validation token,
// RFC 9000 §8.1.2. The client must echo this token on its next Initial, to
// the new source connection ID chosen here.
func (l *Listener) sendRetry(hdr *wire.Header, raddr net.Addr) {
	retrySrcConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		return
	}
	token, err := l.tokenGen.NewRetryToken(raddr, hdr.DestConnectionID, retrySrcConnID)
	if err != nil {
		return
	}

	b := wire.AppendLongHeaderFirstPart(nil, protocol.PacketTypeRetry, hdr.Version, hdr.SrcConnectionID, retrySrcConnID, token, protocol.PacketNumberLen1)
	tag := handshake.GetRetryIntegrityTag(b, hdr.DestConnectionID, hdr.Version)
	b = append(b, tag[:]...)

	l.pc.WriteTo(b, raddr)
}
