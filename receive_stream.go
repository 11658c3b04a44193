package nanoq

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// receiveStream is the receiving half of a stream. There is no surviving
// non-test implementation of this in the retrieval pack, so it's built
// directly against RFC 9000 §2.2/§4 reassembly and flow-control semantics,
// mirroring the structure of sendStream.
type receiveStream struct {
	mutex sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc

	streamID protocol.StreamID
	sender   streamSender

	frameQueue *frameSorter
	readOffset protocol.ByteCount

	currentFrame         []byte
	finRead              bool
	closeForShutdownErr  error
	cancelReadErr        error
	resetRemotely        bool

	readChan     chan struct{}
	readDeadline time.Time

	flowController flowcontrol.ReceiveFlowController

	completed bool
}

var _ ReceiveStream = &receiveStream{}

func newReceiveStream(streamID protocol.StreamID, sender streamSender, fc flowcontrol.ReceiveFlowController) *receiveStream {
	s := &receiveStream{
		streamID:       streamID,
		sender:         sender,
		frameQueue:     newFrameSorter(),
		flowController: fc,
		readChan:       make(chan struct{}, 1),
	}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	return s
}

func (s *receiveStream) StreamID() int64 { return int64(s.streamID) }

func (s *receiveStream) Read(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.currentFrame == nil && s.finRead {
		return 0, io.EOF
	}
	if s.cancelReadErr != nil {
		return 0, s.cancelReadErr
	}
	if s.closeForShutdownErr != nil {
		return 0, s.closeForShutdownErr
	}
	if len(p) == 0 {
		return 0, nil
	}

	var bytesRead int
	for bytesRead == 0 {
		if !s.readDeadline.IsZero() && !time.Now().Before(s.readDeadline) {
			return bytesRead, &streamDeadlineError{streamID: int64(s.streamID)}
		}
		if s.currentFrame == nil && !s.finRead {
			s.dequeueNextFrame()
		}

		if s.currentFrame != nil {
			n := copy(p, s.currentFrame)
			s.currentFrame = s.currentFrame[n:]
			bytesRead = n
			s.readOffset += protocol.ByteCount(n)
			if len(s.currentFrame) == 0 {
				s.currentFrame = nil
			}
			s.flowController.AddBytesRead(protocol.ByteCount(n))
			break
		}

		if s.finRead {
			s.completeIfDone()
			return bytesRead, io.EOF
		}
		if s.cancelReadErr != nil {
			return bytesRead, s.cancelReadErr
		}
		if s.closeForShutdownErr != nil {
			return bytesRead, s.closeForShutdownErr
		}

		deadline := s.readDeadline
		s.mutex.Unlock()
		if deadline.IsZero() {
			<-s.readChan
		} else {
			select {
			case <-s.readChan:
			case <-time.After(time.Until(deadline)):
			}
		}
		s.mutex.Lock()
	}

	if s.currentFrame == nil && s.finRead {
		s.completeIfDone()
	}
	return bytesRead, nil
}

// dequeueNextFrame pulls the next contiguous chunk off the sorter into
// currentFrame. Returns false if nothing is available.
func (s *receiveStream) dequeueNextFrame() bool {
	data, isFin := s.frameQueue.Pop()
	if data == nil && !isFin {
		return false
	}
	if len(data) > 0 {
		s.currentFrame = data
	}
	if isFin {
		s.finRead = true
	}
	return true
}

// handleStreamFrame ingests a STREAM or CRYPTO-carried chunk of data.
func (s *receiveStream) handleStreamFrame(frame *wire.StreamFrame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.resetRemotely {
		return nil
	}
	highestOffset := frame.Offset + protocol.ByteCount(len(frame.Data))
	if err := s.flowController.UpdateHighestReceived(highestOffset, frame.Fin); err != nil {
		return err
	}
	if err := s.frameQueue.Push(frame.Data, frame.Offset, frame.Fin); err != nil {
		return err
	}
	s.signalRead()
	return nil
}

// handleResetStreamFrame processes a peer RESET_STREAM, unblocking any
// pending Read with the peer's error code.
func (s *receiveStream) handleResetStreamFrame(frame *wire.ResetStreamFrame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.flowController.UpdateHighestReceived(frame.FinalSize, true); err != nil {
		return err
	}
	if s.resetRemotely || s.finRead {
		return nil
	}
	s.resetRemotely = true
	s.cancelReadErr = &streamCanceledError{
		errorCode: frame.ErrorCode,
		error:     fmt.Errorf("stream %d was reset with error code %d", s.streamID, frame.ErrorCode),
	}
	s.signalRead()
	s.completeIfDone()
	return nil
}

func (s *receiveStream) CancelRead(errorCode uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.finRead || s.resetRemotely || s.cancelReadErr != nil {
		return nil
	}
	s.cancelReadErr = &streamCanceledError{
		errorCode: errorCode,
		error:     fmt.Errorf("read on stream %d canceled with error code %d", s.streamID, errorCode),
	}
	s.signalRead()
	s.sender.queueControlFrame(&wire.StopSendingFrame{StreamID: s.streamID, ErrorCode: errorCode})
	s.completeIfDone()
	return nil
}

func (s *receiveStream) SetReadDeadline(t time.Time) error {
	s.mutex.Lock()
	oldDeadline := s.readDeadline
	s.readDeadline = t
	s.mutex.Unlock()
	if t.Before(oldDeadline) || oldDeadline.IsZero() {
		s.signalRead()
	}
	return nil
}

// closeForShutdown unblocks any pending Read immediately without telling
// the peer: used for abrupt connection teardown.
func (s *receiveStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closeForShutdownErr = err
	s.mutex.Unlock()
	s.signalRead()
	s.ctxCancel()
}

// completeIfDone reports the stream as finished to the connection exactly
// once, so it can be removed from the streams map.
func (s *receiveStream) completeIfDone() {
	if s.completed {
		return
	}
	s.completed = true
	s.sender.onStreamCompleted(s.streamID)
	s.ctxCancel()
}

func (s *receiveStream) signalRead() {
	select {
	case s.readChan <- struct{}{}:
	default:
	}
}
