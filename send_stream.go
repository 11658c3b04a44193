package nanoq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
	"github.com/nanoq/nanoq/internal/wire"
)

type sendStream struct {
	mutex sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc

	streamID protocol.StreamID
	sender   streamSender

	writeOffset protocol.ByteCount

	cancelWriteErr      error
	closeForShutdownErr error

	closedForShutdown bool
	finishedWriting   bool
	canceledWrite     bool
	finSent           bool

	dataForWriting      []byte
	retransmissionQueue []*wire.StreamFrame
	writeChan           chan struct{}
	writeDeadline       time.Time

	flowController flowcontrol.SendFlowController
}

var _ SendStream = &sendStream{}

func newSendStream(streamID protocol.StreamID, sender streamSender, fc flowcontrol.SendFlowController) *sendStream {
	s := &sendStream{
		streamID:       streamID,
		sender:         sender,
		flowController: fc,
		writeChan:      make(chan struct{}, 1),
	}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	return s
}

func (s *sendStream) StreamID() int64 { return int64(s.streamID) }

func (s *sendStream) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.finishedWriting {
		return 0, fmt.Errorf("write on closed stream %d", s.streamID)
	}
	if s.canceledWrite {
		return 0, s.cancelWriteErr
	}
	if s.closeForShutdownErr != nil {
		return 0, s.closeForShutdownErr
	}
	if !s.writeDeadline.IsZero() && !time.Now().Before(s.writeDeadline) {
		return 0, &streamDeadlineError{streamID: int64(s.streamID)}
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.dataForWriting = make([]byte, len(p))
	copy(s.dataForWriting, p)
	s.sender.scheduleSending(s.streamID)

	var bytesWritten int
	var err error
	for {
		bytesWritten = len(p) - len(s.dataForWriting)
		deadline := s.writeDeadline
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.dataForWriting = nil
			err = &streamDeadlineError{streamID: int64(s.streamID)}
			break
		}
		if s.dataForWriting == nil || s.canceledWrite || s.closedForShutdown {
			break
		}

		s.mutex.Unlock()
		if deadline.IsZero() {
			<-s.writeChan
		} else {
			select {
			case <-s.writeChan:
			case <-time.After(time.Until(deadline)):
			}
		}
		s.mutex.Lock()
	}

	if s.closeForShutdownErr != nil {
		err = s.closeForShutdownErr
	} else if s.cancelWriteErr != nil {
		err = s.cancelWriteErr
	}
	return bytesWritten, err
}

// popStreamFrame returns the next STREAM frame to send, sized to fit within
// maxBytes including its header, or nil if there is nothing to send.
func (s *sendStream) popStreamFrame(maxBytes protocol.ByteCount) *wire.StreamFrame {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closeForShutdownErr != nil {
		return nil
	}

	if len(s.retransmissionQueue) > 0 {
		return s.popRetransmission(maxBytes)
	}

	frame := &wire.StreamFrame{
		StreamID:       s.streamID,
		Offset:         s.writeOffset,
		DataLenPresent: true,
	}
	frameLen := frame.Length(protocol.Version1)
	if frameLen >= maxBytes {
		return nil
	}
	frame.Data, frame.Fin = s.getDataForWriting(maxBytes - frameLen)
	if len(frame.Data) == 0 && !frame.Fin {
		return nil
	}
	if frame.Fin {
		s.finSent = true
	} else if isBlocked, offset := s.flowController.IsNewlyBlocked(); isBlocked {
		s.sender.queueControlFrame(&wire.StreamDataBlockedFrame{StreamID: s.streamID, MaximumStreamData: offset})
	}
	return frame
}

// popRetransmission returns the head of the retransmission queue, splitting
// it in place if it doesn't fit maxBytes, and leaving the remainder at the
// front of the queue for the next packet. Caller holds s.mutex.
func (s *sendStream) popRetransmission(maxBytes protocol.ByteCount) *wire.StreamFrame {
	f := s.retransmissionQueue[0]
	if f.Length(protocol.Version1) <= maxBytes {
		s.retransmissionQueue = s.retransmissionQueue[1:]
		return f
	}
	n := f.MaxDataLen(maxBytes)
	if n <= 0 {
		return nil
	}
	rest := f.SplitOff(n)
	s.retransmissionQueue[0] = rest
	return f
}

// queueRetransmission puts a lost STREAM frame back at the front of the
// line and re-marks the stream active, since popStreamFrame already
// consumed these bytes out of dataForWriting once.
func (s *sendStream) queueRetransmission(f *wire.StreamFrame) {
	s.mutex.Lock()
	s.retransmissionQueue = append(s.retransmissionQueue, f)
	s.mutex.Unlock()
	s.sender.scheduleSending(s.streamID)
}

func (s *sendStream) getDataForWriting(maxBytes protocol.ByteCount) ([]byte, bool) {
	if s.dataForWriting == nil {
		return nil, s.finishedWriting && !s.finSent
	}

	maxBytes = utils.MinByteCount(maxBytes, s.flowController.SendWindowSize())
	if maxBytes == 0 {
		return nil, false
	}

	var ret []byte
	if protocol.ByteCount(len(s.dataForWriting)) > maxBytes {
		ret = s.dataForWriting[:maxBytes]
		s.dataForWriting = s.dataForWriting[maxBytes:]
	} else {
		ret = s.dataForWriting
		s.dataForWriting = nil
		s.signalWrite()
	}
	s.writeOffset += protocol.ByteCount(len(ret))
	s.flowController.AddBytesSent(protocol.ByteCount(len(ret)))
	return ret, s.finishedWriting && s.dataForWriting == nil && !s.finSent
}

func (s *sendStream) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.canceledWrite {
		return fmt.Errorf("close called for canceled stream %d", s.streamID)
	}
	s.finishedWriting = true
	s.sender.scheduleSending(s.streamID)
	s.ctxCancel()
	return nil
}

func (s *sendStream) CancelWrite(errorCode uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cancelWriteImpl(errorCode, &streamCanceledError{
		errorCode: errorCode,
		error:     fmt.Errorf("write on stream %d canceled with error code %d", s.streamID, errorCode),
	})
}

func (s *sendStream) cancelWriteImpl(errorCode uint64, writeErr error) error {
	if s.canceledWrite {
		return nil
	}
	if s.finishedWriting {
		return fmt.Errorf("cancelWrite for closed stream %d", s.streamID)
	}
	s.canceledWrite = true
	s.cancelWriteErr = writeErr
	s.signalWrite()
	s.sender.queueControlFrame(&wire.ResetStreamFrame{
		StreamID:  s.streamID,
		ErrorCode: errorCode,
		FinalSize: s.writeOffset,
	})
	s.ctxCancel()
	return nil
}

func (s *sendStream) handleStopSendingFrame(frame *wire.StopSendingFrame) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelWriteImpl(frame.ErrorCode, &streamCanceledError{
		errorCode: frame.ErrorCode,
		error:     fmt.Errorf("stream %d was reset with error code %d", s.streamID, frame.ErrorCode),
	})
}

func (s *sendStream) handleMaxStreamDataFrame(frame *wire.MaxStreamDataFrame) {
	s.flowController.UpdateSendWindow(frame.MaximumStreamData)
}

func (s *sendStream) Context() context.Context { return s.ctx }

func (s *sendStream) SetWriteDeadline(t time.Time) error {
	s.mutex.Lock()
	oldDeadline := s.writeDeadline
	s.writeDeadline = t
	s.mutex.Unlock()
	if t.Before(oldDeadline) {
		s.signalWrite()
	}
	return nil
}

// closeForShutdown unblocks any pending Write immediately, without telling
// the peer: used for abrupt connection teardown.
func (s *sendStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closedForShutdown = true
	s.closeForShutdownErr = err
	s.mutex.Unlock()
	s.signalWrite()
	s.ctxCancel()
}

func (s *sendStream) finished() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closedForShutdown || s.finSent || s.canceledWrite
}

func (s *sendStream) signalWrite() {
	select {
	case s.writeChan <- struct{}{}:
	default:
	}
}
