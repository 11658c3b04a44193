package nanoq

import (
	"sync"
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/stretchr/testify/require"
)

type testStreamsMapHarness struct {
	mutex  sync.Mutex
	frames []wire.Frame
	closed []protocol.StreamID
}

func (h *testStreamsMapHarness) queueControlFrame(f wire.Frame) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.frames = append(h.frames, f)
}

func (h *testStreamsMapHarness) onStreamCompleted(id protocol.StreamID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = append(h.closed, id)
}

func (h *testStreamsMapHarness) queuedFrames() []wire.Frame {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]wire.Frame{}, h.frames...)
}

func newTestStreamsMap(pers protocol.Perspective, maxIncomingBidi, maxIncomingUni int64) (*streamsMap, *testStreamsMapHarness) {
	h := &testStreamsMapHarness{}
	newFC := func(protocol.StreamID) flowcontrol.StreamFlowController { return newTestFlowController() }
	m := newStreamsMap(pers, maxIncomingBidi, maxIncomingUni, newFC, h.queueControlFrame, h.onStreamCompleted, func(protocol.StreamID) {})
	return m, h
}

func TestStreamsMapOpenStreamBlockedUntilMaxStreams(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveClient, 0, 0)

	_, err := m.OpenStream()
	require.Error(t, err)
	var limitErr *streamLimitError
	require.ErrorAs(t, err, &limitErr)

	m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Unidirectional: false, MaxStreamNum: 1})

	s, err := m.OpenStream()
	require.NoError(t, err)
	require.Equal(t, int64(0), s.StreamID())
}

func TestStreamsMapOpenStreamSyncUnblocksOnMaxStreams(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveClient, 0, 0)

	done := make(chan Stream, 1)
	go func() {
		s, err := m.OpenStreamSync()
		require.NoError(t, err)
		done <- s
	}()

	require.Eventually(t, func() bool {
		return len(m.outgoingBidi.openQueue) == 1
	}, time.Second, time.Millisecond)

	m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Unidirectional: false, MaxStreamNum: 1})

	select {
	case s := <-done:
		require.Equal(t, int64(0), s.StreamID())
	case <-time.After(time.Second):
		t.Fatal("OpenStreamSync never unblocked")
	}
}

func TestStreamsMapAcceptStreamBlocksUntilPeerOpens(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveClient, 1, 1)

	done := make(chan Stream, 1)
	go func() {
		s, err := m.AcceptStream()
		require.NoError(t, err)
		done <- s
	}()

	select {
	case <-done:
		t.Fatal("AcceptStream returned before the peer opened anything")
	case <-time.After(50 * time.Millisecond):
	}

	// Server-initiated bidi stream 0: StreamID 1.
	require.NoError(t, m.HandleStreamFrame(&wire.StreamFrame{StreamID: 1, Data: []byte("hi")}))

	select {
	case s := <-done:
		require.Equal(t, int64(1), s.StreamID())
	case <-time.After(time.Second):
		t.Fatal("AcceptStream never unblocked")
	}
}

func TestStreamsMapHandleStreamFrameRoutesToReceiveHalf(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveServer, 1, 1)

	// Client-initiated bidi stream 0: StreamID 0.
	require.NoError(t, m.HandleStreamFrame(&wire.StreamFrame{StreamID: 0, Data: []byte("abcd"), Fin: true}))

	s, err := m.incomingBidi.GetOrOpenStream(1)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf[:n]))
}

func TestStreamsMapHandleStreamFrameRejectsOwnUniStream(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveClient, 1, 1)

	// Client-initiated uni stream: StreamID 2, which this client opened itself.
	err := m.HandleStreamFrame(&wire.StreamFrame{StreamID: 2, Data: []byte("x")})
	require.Error(t, err)
}

func TestStreamsMapHandleStopSendingQueuesReset(t *testing.T) {
	m, h := newTestStreamsMap(protocol.PerspectiveClient, 1, 1)

	m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Unidirectional: true, MaxStreamNum: 1})
	out, err := m.OpenUniStream()
	require.NoError(t, err)

	require.NoError(t, m.HandleStopSendingFrame(&wire.StopSendingFrame{StreamID: protocol.StreamID(out.StreamID()), ErrorCode: 1}))

	found := false
	for _, f := range h.queuedFrames() {
		if _, ok := f.(*wire.ResetStreamFrame); ok {
			found = true
		}
	}
	require.True(t, found)
}

func TestStreamsMapCloseWithErrorUnblocksAccept(t *testing.T) {
	m, _ := newTestStreamsMap(protocol.PerspectiveClient, 1, 1)

	done := make(chan error, 1)
	go func() {
		_, err := m.AcceptStream()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)

	closeErr := &streamError{op: "connection closed", num: 0}
	m.CloseWithError(closeErr)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("AcceptStream never unblocked on close")
	}
}

func TestStreamsMapOnStreamCompletedDeletesAndNotifies(t *testing.T) {
	m, h := newTestStreamsMap(protocol.PerspectiveClient, 1, 1)

	m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Unidirectional: false, MaxStreamNum: 1})
	s, err := m.OpenStream()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	bidi := s.(*bidiStream)
	require.NoError(t, bidi.handleStreamFrame(&wire.StreamFrame{Fin: true}))

	buf := make([]byte, 1)
	_, err = bidi.Read(buf)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		for _, id := range h.closed {
			if id == protocol.StreamID(s.StreamID()) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
