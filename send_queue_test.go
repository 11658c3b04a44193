package nanoq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRawConn struct {
	mutex   sync.Mutex
	written [][]byte
}

func (c *fakeRawConn) Write(b []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.written = append(c.written, append([]byte{}, b...))
	return nil
}

func (c *fakeRawConn) writes() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.written
}

func TestSendQueueWritesInOrder(t *testing.T) {
	conn := &fakeRawConn{}
	q := newSendQueue(conn)
	done := make(chan error, 1)
	go func() { done <- q.Run() }()

	buf1 := getPacketBuffer()
	buf1.Slice = append(buf1.Slice[:0], []byte("first")...)
	q.Send(&packedPacket{raw: buf1.Slice, buffer: buf1})

	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, time.Second, time.Millisecond)

	q.Close()
	require.NoError(t, <-done)
	require.Equal(t, []byte("first"), conn.writes()[0])
}

func TestPacketBufferSplitKeepsBufferAliveUntilAllReleased(t *testing.T) {
	buf := getPacketBuffer()
	buf.Split()
	buf.Release() // refCount 2 -> 1, not yet returned to the pool
	buf.Release() // refCount 1 -> 0, returned to the pool
}

func TestPacketBufferReleaseTooManyTimesPanics(t *testing.T) {
	buf := getPacketBuffer()
	buf.Release()
	require.Panics(t, func() { buf.Release() })
}
