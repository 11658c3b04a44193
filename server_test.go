package nanoq

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenRequiresNonNilTLSConfig(t *testing.T) {
	pc := &fakePacketConn{local: &net.UDPAddr{}}
	_, err := Listen(pc, nil, nil)
	require.Error(t, err)
}

func TestListenerAddrReturnsSocketLocalAddr(t *testing.T) {
	_, serverConf := generateTestTLSConfigs(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
	l, err := Listen(&fakePacketConn{local: addr}, serverConf, nil)
	require.NoError(t, err)
	require.Equal(t, addr, l.Addr())
	require.NoError(t, l.Close())
}

func TestListenerAcceptRespectsContextCancellation(t *testing.T) {
	_, serverConf := generateTestTLSConfigs(t)
	l, err := Listen(&fakePacketConn{local: &net.UDPAddr{}}, serverConf, nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListenerAcceptFailsAfterClose(t *testing.T) {
	_, serverConf := generateTestTLSConfigs(t)
	l, err := Listen(&fakePacketConn{local: &net.UDPAddr{}}, serverConf, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	require.Error(t, err)
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	_, serverConf := generateTestTLSConfigs(t)
	l, err := Listen(&fakePacketConn{local: &net.UDPAddr{}}, serverConf, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}
