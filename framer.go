package nanoq

import (
	"sync"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// frameSource is the slice of a send-capable stream the framer needs to
// pull STREAM frames out of it. *sendStream and *bidiStream (which embeds
// one) both satisfy it through the promoted method.
type frameSource interface {
	popStreamFrame(maxBytes protocol.ByteCount) *wire.StreamFrame
	queueRetransmission(f *wire.StreamFrame)
}

// streamGetter resolves a stream ID to the send half that's still open, or
// nil if it finished and was already removed from the map.
type streamGetter interface {
	getSendStream(id protocol.StreamID) frameSource
}

// framer decides, for each outgoing packet, which control frames and which
// stream's data go in. Grounded on the teacher's framer.go: a LIFO stack of
// queued control frames plus a round-robin queue of streams with pending
// data, so no single stream can starve the others sharing a connection.
type framer struct {
	streamGetter streamGetter

	streamQueueMutex sync.Mutex
	activeStreams    map[protocol.StreamID]struct{}
	streamQueue      []protocol.StreamID

	controlFrameMutex sync.Mutex
	controlFrames     []wire.Frame
}

func newFramer(streamGetter streamGetter) *framer {
	return &framer{
		streamGetter:  streamGetter,
		activeStreams: make(map[protocol.StreamID]struct{}),
	}
}

func (f *framer) HasData() bool {
	f.streamQueueMutex.Lock()
	hasStreamData := len(f.streamQueue) > 0
	f.streamQueueMutex.Unlock()
	if hasStreamData {
		return true
	}
	f.controlFrameMutex.Lock()
	hasControlData := len(f.controlFrames) > 0
	f.controlFrameMutex.Unlock()
	return hasControlData
}

func (f *framer) QueueControlFrame(frame wire.Frame) {
	f.controlFrameMutex.Lock()
	f.controlFrames = append(f.controlFrames, frame)
	f.controlFrameMutex.Unlock()
}

// AppendControlFrames appends queued control frames to frames, up to
// maxLen, popping from the back of the queue (LIFO: the most recently
// queued frame, usually the most urgent one, goes out first).
func (f *framer) AppendControlFrames(frames []wire.Frame, maxLen protocol.ByteCount, v protocol.Version) ([]wire.Frame, protocol.ByteCount) {
	var length protocol.ByteCount
	f.controlFrameMutex.Lock()
	for len(f.controlFrames) > 0 {
		frame := f.controlFrames[len(f.controlFrames)-1]
		frameLen := frame.Length(v)
		if length+frameLen > maxLen {
			break
		}
		frames = append(frames, frame)
		length += frameLen
		f.controlFrames = f.controlFrames[:len(f.controlFrames)-1]
	}
	f.controlFrameMutex.Unlock()
	return frames, length
}

// AddActiveStream marks id as having data (or a FIN) ready to send, moving
// it to the back of the round-robin queue if it isn't already in it.
func (f *framer) AddActiveStream(id protocol.StreamID) {
	f.streamQueueMutex.Lock()
	if _, ok := f.activeStreams[id]; !ok {
		f.streamQueue = append(f.streamQueue, id)
		f.activeStreams[id] = struct{}{}
	}
	f.streamQueueMutex.Unlock()
}

// AppendStreamFrames pops STREAM frames from active streams, round-robin,
// until maxLen is exhausted or fewer than MinStreamFrameSize bytes remain.
func (f *framer) AppendStreamFrames(frames []wire.Frame, maxLen protocol.ByteCount, v protocol.Version) ([]wire.Frame, protocol.ByteCount) {
	startLen := len(frames)
	var length protocol.ByteCount
	f.streamQueueMutex.Lock()
	numActiveStreams := len(f.streamQueue)
	for i := 0; i < numActiveStreams; i++ {
		if maxLen-length < protocol.MinStreamFrameSize {
			break
		}
		id := f.streamQueue[0]
		f.streamQueue = f.streamQueue[1:]

		str := f.streamGetter.getSendStream(id)
		if str == nil {
			delete(f.activeStreams, id)
			continue
		}
		frame := str.popStreamFrame(maxLen - length)
		if frame == nil {
			// Either drained already or blocked on flow control; either
			// way a future scheduleSending call re-adds it.
			delete(f.activeStreams, id)
			continue
		}
		frameLen := frame.Length(v)
		// Keep it in the queue unless this was the FIN: there may be more
		// queued data than fit in this one frame.
		if !frame.Fin {
			f.streamQueue = append(f.streamQueue, id)
		} else {
			delete(f.activeStreams, id)
		}
		frames = append(frames, frame)
		length += frameLen
	}
	f.streamQueueMutex.Unlock()
	if len(frames) > startLen {
		last := frames[len(frames)-1].(*wire.StreamFrame)
		oldLen := last.Length(v)
		last.DataLenPresent = false
		length += last.Length(v) - oldLen
	}
	return frames, length
}
