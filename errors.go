package nanoq

import "fmt"

// streamCanceledError is returned from Read/Write once a stream has been
// reset locally or by the peer.
type streamCanceledError struct {
	errorCode uint64
	error
}

func (e *streamCanceledError) Unwrap() error { return e.error }

// streamDeadlineError is returned once a stream's read or write deadline
// passes, implementing net.Error so callers can select on Timeout().
type streamDeadlineError struct{ streamID int64 }

func (e *streamDeadlineError) Error() string {
	return fmt.Sprintf("deadline exceeded on stream %d", e.streamID)
}
func (e *streamDeadlineError) Timeout() bool   { return true }
func (e *streamDeadlineError) Temporary() bool { return true }

// streamLimitError is returned from OpenStream when the peer hasn't
// granted enough MAX_STREAMS headroom to open another one right now.
type streamLimitError struct{ unidirectional bool }

func (e *streamLimitError) Error() string {
	if e.unidirectional {
		return "too many open unidirectional streams"
	}
	return "too many open streams"
}

// streamError reports a streams-map bookkeeping violation: an operation on
// a stream number that was never opened, or was already removed.
type streamError struct {
	op  string
	num int64
}

func (e *streamError) Error() string {
	return fmt.Sprintf("%s: %d", e.op, e.num)
}
