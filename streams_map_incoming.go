package nanoq

import "sync"

// incomingStream is the slice of a receive-capable stream this map needs.
type incomingStream interface {
	closeForShutdown(error)
}

// incomingStreamsMap tracks streams the peer opened, of one direction.
// There is no surviving non-generated implementation of the modern
// (RFC 9000 §4.6, MAX_STREAMS-based) incoming side in the retrieval pack —
// only its test files (`streams_map_incoming_test.go`,
// `streams_map_incoming_generic_test.go`) — so this is built from RFC
// 9000's rules directly, in the same generic-over-T shape as
// outgoingStreamsMap and the old teacher's GetOrOpenStream/AcceptStream
// blocking pattern for accept.
type incomingStreamsMap[T incomingStream] struct {
	mutex sync.Mutex
	cond  sync.Cond

	streams map[int64]T

	nextStreamToAccept int64 // lowest not-yet-accepted stream number
	nextStreamToOpen   int64 // highest stream number seen from the peer, + 1
	maxStream          int64 // how many streams we've told the peer it may open

	newStream       func(num int64) T
	queueMaxStreams func(num int64)
	unidirectional  bool

	closeErr error
}

func newIncomingStreamsMap[T incomingStream](unidirectional bool, maxStream int64, newStream func(int64) T, queueMaxStreams func(int64)) *incomingStreamsMap[T] {
	m := &incomingStreamsMap[T]{
		streams:            make(map[int64]T),
		nextStreamToAccept: 1,
		nextStreamToOpen:   1,
		maxStream:          maxStream,
		newStream:          newStream,
		queueMaxStreams:    queueMaxStreams,
		unidirectional:     unidirectional,
	}
	m.cond.L = &m.mutex
	return m
}

// GetOrOpenStream returns the stream at num, opening it and every
// lower-numbered stream the peer hasn't opened yet, or the zero value if
// num was already closed and removed.
func (m *incomingStreamsMap[T]) GetOrOpenStream(num int64) (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var zero T
	if num < m.nextStreamToOpen {
		if s, ok := m.streams[num]; ok {
			return s, nil
		}
		return zero, nil // already closed
	}
	if num > m.maxStream {
		return zero, &streamLimitError{unidirectional: m.unidirectional}
	}

	for n := m.nextStreamToOpen; n <= num; n++ {
		m.streams[n] = m.newStream(n)
	}
	m.nextStreamToOpen = num + 1
	m.cond.Broadcast()
	return m.streams[num], nil
}

// AcceptStream blocks until the peer opens a new stream (in order) or the
// map is closed.
func (m *incomingStreamsMap[T]) AcceptStream() (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var zero T
	for {
		if m.closeErr != nil {
			return zero, m.closeErr
		}
		if m.nextStreamToAccept < m.nextStreamToOpen {
			s := m.streams[m.nextStreamToAccept]
			m.nextStreamToAccept++
			return s, nil
		}
		m.cond.Wait()
	}
}

func (m *incomingStreamsMap[T]) DeleteStream(num int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.streams[num]; !ok {
		return &streamError{op: "tried to delete unknown stream", num: num}
	}
	delete(m.streams, num)

	// Grant the peer one more stream for each one it finishes, keeping the
	// window open rather than fixed, RFC 9000 §4.6.
	m.maxStream++
	m.queueMaxStreams(m.maxStream)
	return nil
}

func (m *incomingStreamsMap[T]) CloseWithError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closeErr = err
	for _, s := range m.streams {
		s.closeForShutdown(err)
	}
	m.cond.Broadcast()
}
