package nanoq

import (
	"io"
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeStreamSender struct {
	scheduled    int
	queuedFrames []wire.Frame
	completedIDs []protocol.StreamID
}

func (f *fakeStreamSender) scheduleSending(protocol.StreamID) { f.scheduled++ }
func (f *fakeStreamSender) queueControlFrame(frame wire.Frame) {
	f.queuedFrames = append(f.queuedFrames, frame)
}
func (f *fakeStreamSender) onStreamCompleted(id protocol.StreamID) {
	f.completedIDs = append(f.completedIDs, id)
}

func newTestFlowController() flowcontrol.StreamFlowController {
	conn := flowcontrol.NewConnectionFlowController(1<<20, 1<<20, 1<<20, &utils.RTTStats{})
	return flowcontrol.NewStreamFlowController(1, conn, 1<<20, 1<<20, 1<<20, &utils.RTTStats{})
}

func TestSendStreamWriteAndPop(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	done := make(chan struct{})
	go func() {
		n, err := s.Write([]byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.popStreamFrame(1000) != nil || len(sender.queuedFrames) > 0
	}, time.Second, time.Millisecond)
}

func TestSendStreamPopFrameRespectsMaxBytes(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	go s.Write([]byte("hello world"))
	require.Eventually(t, func() bool {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.dataForWriting != nil
	}, time.Second, time.Millisecond)

	frame := s.popStreamFrame(1000)
	require.NotNil(t, frame)
	require.Equal(t, []byte("hello world"), frame.Data)
}

func TestSendStreamCloseSendsFin(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	require.NoError(t, s.Close())
	frame := s.popStreamFrame(1000)
	require.NotNil(t, frame)
	require.True(t, frame.Fin)
	require.True(t, s.finished())
}

func TestSendStreamRetransmissionGoesBeforeFreshData(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	go s.Write([]byte("fresh"))
	require.Eventually(t, func() bool {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		return s.dataForWriting != nil
	}, time.Second, time.Millisecond)

	s.queueRetransmission(&wire.StreamFrame{StreamID: 4, Data: []byte("lost")})

	frame := s.popStreamFrame(1000)
	require.Equal(t, []byte("lost"), frame.Data)

	frame2 := s.popStreamFrame(1000)
	require.Equal(t, []byte("fresh"), frame2.Data)
}

func TestSendStreamRetransmissionSplitsAcrossMaxBytes(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	s.queueRetransmission(&wire.StreamFrame{StreamID: 4, Data: []byte("0123456789"), DataLenPresent: true})

	f1 := s.popStreamFrame(8)
	require.NotNil(t, f1)
	require.Less(t, len(f1.Data), 10)

	f2 := s.popStreamFrame(1000)
	require.Equal(t, "0123456789", string(f1.Data)+string(f2.Data))
}

func TestSendStreamCancelWriteQueuesReset(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newSendStream(4, sender, fc)

	require.NoError(t, s.CancelWrite(42))
	require.Len(t, sender.queuedFrames, 1)
	_, ok := sender.queuedFrames[0].(*wire.ResetStreamFrame)
	require.True(t, ok)

	_, err := s.Write([]byte("x"))
	require.Error(t, err)
}

func TestReceiveStreamReadsSingleFrame(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newReceiveStream(4, sender, fc)

	require.NoError(t, s.handleStreamFrame(&wire.StreamFrame{Data: []byte("abcd")}))
	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "abcd", string(buf))
}

func TestReceiveStreamOutOfOrderAndFin(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newReceiveStream(4, sender, fc)

	require.NoError(t, s.handleStreamFrame(&wire.StreamFrame{Offset: 2, Data: []byte("cd"), Fin: true}))
	require.NoError(t, s.handleStreamFrame(&wire.StreamFrame{Offset: 0, Data: []byte("ab")}))

	buf := make([]byte, 4)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, "abcd", string(buf))

	n, err = s.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []protocol.StreamID{4}, sender.completedIDs)
}

func TestReceiveStreamCancelReadSendsStopSending(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newReceiveStream(4, sender, fc)

	require.NoError(t, s.CancelRead(7))
	require.Len(t, sender.queuedFrames, 1)
	_, ok := sender.queuedFrames[0].(*wire.StopSendingFrame)
	require.True(t, ok)

	buf := make([]byte, 4)
	_, err := s.Read(buf)
	require.Error(t, err)
}

func TestReceiveStreamReadDeadline(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newReceiveStream(4, sender, fc)

	require.NoError(t, s.SetReadDeadline(time.Now().Add(-time.Second)))
	buf := make([]byte, 4)
	_, err := s.Read(buf)
	require.Error(t, err)
	var deadlineErr *streamDeadlineError
	require.ErrorAs(t, err, &deadlineErr)
	require.True(t, deadlineErr.Timeout())
}

func TestBidiStreamSharesID(t *testing.T) {
	sender := &fakeStreamSender{}
	fc := newTestFlowController()
	s := newBidiStream(9, sender, fc)
	require.Equal(t, int64(9), s.StreamID())
}
