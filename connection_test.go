package nanoq

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/stretchr/testify/require"
)

// generateTestTLSConfigs builds a throwaway self-signed certificate so tests
// can drive a real tls.QUICConn without reaching outside the process for key
// material.
func generateTestTLSConfigs(t *testing.T) (clientConf, serverConf *tls.Config) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"nanoq test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	serverConf = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"nanoq-test"}}
	clientConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"nanoq-test"}}
	return clientConf, serverConf
}

// fakePacketConn is a net.PacketConn double that never actually touches the
// network, for tests that only need newConnection to wire up without a real
// socket underneath.
type fakePacketConn struct {
	local net.Addr
}

func (f *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (f *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return len(b), nil
}
func (f *fakePacketConn) Close() error                       { return nil }
func (f *fakePacketConn) LocalAddr() net.Addr                { return f.local }
func (f *fakePacketConn) SetDeadline(time.Time) error        { return nil }
func (f *fakePacketConn) SetReadDeadline(time.Time) error    { return nil }
func (f *fakePacketConn) SetWriteDeadline(time.Time) error   { return nil }

func newTestConnConfig(t *testing.T, perspective protocol.Perspective) connConfig {
	t.Helper()
	clientConf, serverConf := generateTestTLSConfigs(t)
	destConnID, err := protocol.GenerateConnectionIDForInitial()
	require.NoError(t, err)
	srcConnID, err := protocol.GenerateConnectionIDForInitial()
	require.NoError(t, err)

	tlsConf := clientConf
	if perspective == protocol.PerspectiveServer {
		tlsConf = serverConf
	}
	return connConfig{
		perspective:    perspective,
		version:        protocol.Version1,
		pc:             &fakePacketConn{local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234}},
		remoteAddr:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5678},
		origDestConnID: destConnID,
		destConnID:     destConnID,
		srcConnID:      srcConnID,
		tlsConf:        tlsConf,
	}
}

func TestNewConnectionClientWiring(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveClient)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	require.Equal(t, protocol.PerspectiveClient, conn.perspective)
	require.Equal(t, cc.origDestConnID, conn.origDestConnID)
	require.NotNil(t, conn.packer)
	require.NotNil(t, conn.unpacker)
	require.NotNil(t, conn.sendQueue)
	for _, level := range []protocol.EncryptionLevel{protocol.EncryptionInitial, protocol.EncryptionHandshake, protocol.Encryption1RTT} {
		require.Equal(t, protocol.InvalidPacketNumber, conn.largestRcvdPN[level])
	}
	require.False(t, conn.handshakeComplete)
	require.False(t, conn.handshakeConfirmed)
}

func TestTransportParametersOmitsServerOnlyFieldsForClient(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveClient)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	params := conn.transportParameters(cc.srcConnID)
	require.Nil(t, params.StatelessResetToken)
	require.True(t, params.OriginalDestinationConnectionID.Len() == 0)
}

func TestTransportParametersIncludesOriginalDestConnIDForServer(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	params := conn.transportParameters(cc.srcConnID)
	require.Equal(t, cc.origDestConnID, params.OriginalDestinationConnectionID)
	require.NotNil(t, params.StatelessResetToken)
}

func TestUDPRawConnWriteForwardsDatagram(t *testing.T) {
	pc := &fakePacketConn{local: &net.UDPAddr{}}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
	raw := &udpRawConn{pc: pc, addr: addr}
	require.NoError(t, raw.Write([]byte("hello")))
}

func TestLevelForPacketType(t *testing.T) {
	require.Equal(t, protocol.EncryptionInitial, levelForPacketType(protocol.PacketTypeInitial))
	require.Equal(t, protocol.EncryptionHandshake, levelForPacketType(protocol.PacketTypeHandshake))
	require.Equal(t, protocol.Encryption1RTT, levelForPacketType(protocol.PacketType0RTT))
}

func TestVersionsToUint32(t *testing.T) {
	got := versionsToUint32([]protocol.Version{protocol.Version1, protocol.VersionDraft29})
	require.Equal(t, []uint32{uint32(protocol.Version1), uint32(protocol.VersionDraft29)}, got)
}

// buildVersionNegotiationPacket assembles a minimal version negotiation
// datagram by hand: a long header with a zero version field followed by a
// four-byte-per-entry version list, RFC 9000 §17.2.1.
func buildVersionNegotiationPacket(destCID, srcCID []byte, versions []protocol.Version) []byte {
	b := []byte{0x80, 0, 0, 0, 0}
	b = append(b, byte(len(destCID)))
	b = append(b, destCID...)
	b = append(b, byte(len(srcCID)))
	b = append(b, srcCID...)
	for _, v := range versions {
		b = append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return b
}

func TestParseVersionListParsesEveryEntry(t *testing.T) {
	data := buildVersionNegotiationPacket([]byte{1, 2, 3}, []byte{4, 5, 6}, []protocol.Version{protocol.Version1, protocol.VersionDraft29})
	versions, ok := parseVersionList(data)
	require.True(t, ok)
	require.Equal(t, []protocol.Version{protocol.Version1, protocol.VersionDraft29}, versions)
}

func TestParseVersionListRejectsTrailingPartialEntry(t *testing.T) {
	data := buildVersionNegotiationPacket([]byte{1, 2, 3}, []byte{4, 5, 6}, []protocol.Version{protocol.Version1})
	data = append(data, 0x01, 0x02) // two stray trailing bytes, not a full version
	_, ok := parseVersionList(data)
	require.False(t, ok)
}

func TestHandleVersionNegotiationPacketIgnoredByServer(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	data := buildVersionNegotiationPacket([]byte{1, 2, 3}, []byte{4, 5, 6}, []protocol.Version{protocol.VersionDraft29})
	conn.handleVersionNegotiationPacket(data)
	select {
	case <-conn.closeChan:
		t.Fatal("server must ignore a version negotiation packet")
	default:
	}
}

func TestHandleVersionNegotiationPacketSpuriousWhenOurVersionOffered(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveClient)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	data := buildVersionNegotiationPacket([]byte{1, 2, 3}, []byte{4, 5, 6}, []protocol.Version{conn.version, protocol.VersionDraft29})
	conn.handleVersionNegotiationPacket(data)
	select {
	case <-conn.closeChan:
		t.Fatal("client must ignore a version list that still contains its own version")
	default:
	}
}

func TestHandleVersionNegotiationPacketClosesWhenNoOverlap(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveClient)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	data := buildVersionNegotiationPacket([]byte{1, 2, 3}, []byte{4, 5, 6}, []protocol.Version{0x1a2a3a4a})
	conn.handleVersionNegotiationPacket(data)
	select {
	case reason := <-conn.closeChan:
		require.Error(t, reason.err)
	default:
		t.Fatal("expected client to queue a close when no offered version overlaps")
	}
}

func TestHandleDatagramStopsAtShortHeaderPacket(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	// A bare short-header byte with nothing behind it: handleShortHeaderPacket
	// will fail to unpack and just log, but must not panic or loop forever.
	data := append([]byte{0x40}, make([]byte, 20)...)
	conn.handleDatagram(data, time.Now())
}

func TestHandleDatagramDropsTruncatedLongHeaderLength(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	hdr := wire.AppendLongHeaderFirstPart(nil, protocol.PacketTypeInitial, conn.version,
		cc.destConnID, cc.srcConnID, nil, protocol.PacketNumberLen1)
	// No payload follows the header, so ParsedLen()+Length exceeds len(data):
	// handleLongHeaderPacket must never be reached.
	conn.handleDatagram(hdr, time.Now())
}

func TestOnHandshakeCompleteIsIdempotent(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	conn.onHandshakeComplete()
	require.True(t, conn.handshakeComplete)
	require.True(t, conn.handshakeConfirmed) // server confirms immediately after completion
	require.NotPanics(t, func() { conn.onHandshakeComplete() })
}

func TestConfirmHandshakeIsIdempotent(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveClient)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	conn.confirmHandshake()
	require.True(t, conn.handshakeConfirmed)
	require.NotPanics(t, func() { conn.confirmHandshake() })
}

func TestHandshakeCompleteReturnsOnceClosed(t *testing.T) {
	cc := newTestConnConfig(t, protocol.PerspectiveServer)
	conn, err := newConnection(cc)
	require.NoError(t, err)
	closeErr := errors.New("connection torn down")
	conn.closeErr = closeErr
	close(conn.closed)
	err = conn.HandshakeComplete(context.Background())
	require.Equal(t, closeErr, err)
}
