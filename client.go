package nanoq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/nanoq/nanoq/internal/protocol"
)

// Dial establishes a QUIC connection to addr over a freshly opened UDP
// socket, completing the handshake before returning. Grounded on the
// teacher's top-level Dial/DialAddr entry points: a thin wrapper that
// resolves the address, opens a socket, and hands off to the same
// connection construction Listen uses on the server side.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, config *Config) (*Conn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	// ListenUDP rather than DialUDP: a client's socket must present the
	// same net.PacketConn shape a server's shared listening socket does,
	// so both sides can be wrapped in the same udpRawConn.
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return dial(ctx, pc, udpAddr, tlsConf, config)
}

func dial(ctx context.Context, pc net.PacketConn, remoteAddr net.Addr, tlsConf *tls.Config, config *Config) (*Conn, error) {
	if tlsConf == nil {
		return nil, fmt.Errorf("nanoq: Dial requires a non-nil tls.Config")
	}
	destConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		return nil, err
	}
	srcConnID, err := protocol.GenerateConnectionIDForInitial()
	if err != nil {
		return nil, err
	}

	cc := connConfig{
		perspective:    protocol.PerspectiveClient,
		version:        pickVersion(config),
		pc:             pc,
		remoteAddr:     remoteAddr,
		origDestConnID: destConnID,
		destConnID:     destConnID,
		srcConnID:      srcConnID,
		tlsConf:        tlsConf,
		config:         config,
		readDatagram: func() ([]byte, net.Addr, error) {
			buf := make([]byte, protocol.MaxPacketBufferSize)
			n, raddr, err := pc.ReadFrom(buf)
			if err != nil {
				return nil, nil, err
			}
			return buf[:n], raddr, nil
		},
	}

	conn, err := newConnection(cc)
	if err != nil {
		return nil, err
	}

	errChan := make(chan error, 1)
	go func() { errChan <- conn.run() }()

	handshakeCtx, cancel := context.WithTimeout(ctx, populateConfig(config).HandshakeTimeout)
	defer cancel()
	select {
	case <-conn.handshakeCompleteChan:
		return conn, nil
	case err := <-errChan:
		if err == nil {
			err = fmt.Errorf("nanoq: connection closed before handshake completed")
		}
		return nil, err
	case <-handshakeCtx.Done():
		conn.closeLocal(&deadlineExceededError{})
		<-conn.closed
		return nil, handshakeCtx.Err()
	}
}

func pickVersion(config *Config) protocol.Version {
	if config == nil || len(config.Versions) == 0 {
		return protocol.Version1
	}
	return config.Versions[0]
}

// deadlineExceededError closes a connection whose handshake never
// completed within the caller's context deadline.
type deadlineExceededError struct{}

func (deadlineExceededError) Error() string { return "context deadline exceeded" }
func (deadlineExceededError) Timeout() bool  { return true }
