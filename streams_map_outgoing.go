package nanoq

import (
	"sync"

	"github.com/nanoq/nanoq/internal/wire"
)

// outgoingStream is the slice of a send-capable stream this map needs: shut
// it down hard when the connection as a whole closes.
type outgoingStream interface {
	closeForShutdown(error)
}

// outgoingStreamsMap tracks streams this endpoint opened, of one direction
// (bidirectional or unidirectional). The teacher's own version
// (`streams_map_outgoing_generic.go`) is generated per direction by genny
// from a single template; this module has generics available (go.mod pins
// go 1.21), so the same logic is written once as a type parameter over T
// instead of twice as generated code.
type outgoingStreamsMap[T outgoingStream] struct {
	mutex sync.Mutex

	openQueue []chan struct{}

	streams map[int64]T

	nextStream  int64
	maxStream   int64 // highest stream number the peer allows; -1 until it grants any
	blockedSent bool

	newStream         func(num int64) T
	queueControlFrame func(wire.Frame)
	unidirectional    bool

	closeErr error
}

func newOutgoingStreamsMap[T outgoingStream](unidirectional bool, newStream func(int64) T, queueControlFrame func(wire.Frame)) *outgoingStreamsMap[T] {
	return &outgoingStreamsMap[T]{
		streams:           make(map[int64]T),
		maxStream:         -1,
		nextStream:        1,
		newStream:         newStream,
		queueControlFrame: queueControlFrame,
		unidirectional:    unidirectional,
	}
}

func (m *outgoingStreamsMap[T]) OpenStream() (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var zero T
	if m.closeErr != nil {
		return zero, m.closeErr
	}
	if len(m.openQueue) > 0 || m.nextStream > m.maxStream {
		m.maybeSendBlockedFrame()
		return zero, &streamLimitError{unidirectional: m.unidirectional}
	}
	return m.openStream(), nil
}

func (m *outgoingStreamsMap[T]) OpenStreamSync() (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var zero T
	if m.closeErr != nil {
		return zero, m.closeErr
	}
	if len(m.openQueue) == 0 && m.nextStream <= m.maxStream {
		return m.openStream(), nil
	}

	waitChan := make(chan struct{}, 1)
	m.openQueue = append(m.openQueue, waitChan)
	m.maybeSendBlockedFrame()

	for {
		m.mutex.Unlock()
		<-waitChan
		m.mutex.Lock()

		if m.closeErr != nil {
			return zero, m.closeErr
		}
		if m.nextStream > m.maxStream {
			continue
		}
		s := m.openStream()
		m.openQueue = m.openQueue[1:]
		m.unblockNext()
		return s, nil
	}
}

func (m *outgoingStreamsMap[T]) openStream() T {
	s := m.newStream(m.nextStream)
	m.streams[m.nextStream] = s
	m.nextStream++
	return s
}

func (m *outgoingStreamsMap[T]) maybeSendBlockedFrame() {
	if m.blockedSent {
		return
	}
	var limit int64
	if m.maxStream >= 0 {
		limit = m.maxStream
	}
	m.queueControlFrame(&wire.StreamsBlockedFrame{Unidirectional: m.unidirectional, StreamLimit: limit})
	m.blockedSent = true
}

func (m *outgoingStreamsMap[T]) GetStream(num int64) (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var zero T
	if num >= m.nextStream {
		return zero, &streamError{op: "peer acknowledged unopened stream", num: num}
	}
	return m.streams[num], nil
}

func (m *outgoingStreamsMap[T]) DeleteStream(num int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.streams[num]; !ok {
		return &streamError{op: "tried to delete unknown stream", num: num}
	}
	delete(m.streams, num)
	return nil
}

func (m *outgoingStreamsMap[T]) SetMaxStream(num int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if num <= m.maxStream {
		return
	}
	m.maxStream = num
	m.blockedSent = false
	m.unblockNext()
}

func (m *outgoingStreamsMap[T]) unblockNext() {
	if len(m.openQueue) == 0 {
		return
	}
	select {
	case m.openQueue[0] <- struct{}{}:
	default:
	}
}

func (m *outgoingStreamsMap[T]) CloseWithError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closeErr = err
	for _, s := range m.streams {
		s.closeForShutdown(err)
	}
	for _, c := range m.openQueue {
		close(c)
	}
}
