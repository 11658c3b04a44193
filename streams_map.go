package nanoq

import (
	"fmt"

	"github.com/nanoq/nanoq/internal/flowcontrol"
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// streamNumToID reconstructs a stream ID from a per-direction stream
// number (the value RFC 9000 §2.1 calls "the Nth stream of a given type"),
// inverting protocol.StreamID.StreamNum().
func streamNumToID(num int64, pers protocol.Perspective, unidirectional bool) protocol.StreamID {
	var first protocol.StreamID
	switch {
	case !unidirectional && pers == protocol.PerspectiveClient:
		first = 0
	case !unidirectional && pers == protocol.PerspectiveServer:
		first = 1
	case unidirectional && pers == protocol.PerspectiveClient:
		first = 2
	case unidirectional && pers == protocol.PerspectiveServer:
		first = 3
	}
	return first + 4*protocol.StreamID(num-1)
}

// streamsMap owns every stream of a connection, split into the four
// independent RFC 9000 §2.1 spaces: bidirectional/unidirectional crossed
// with locally-/peer-initiated. Grounded on the teacher's older
// `streams_map.go` for the overall responsibility (one type fronting
// OpenStream/OpenStreamSync/AcceptStream/GetOrOpenStream for the
// connection) and on `streams_map_outgoing_generic.go` for the modern
// MAX_STREAMS-based accounting; composed here from the four generic maps
// above instead of genny-generated per-direction files.
type streamsMap struct {
	perspective protocol.Perspective

	outgoingBidi *outgoingStreamsMap[*bidiStream]
	outgoingUni  *outgoingStreamsMap[*sendStream]
	incomingBidi *incomingStreamsMap[*bidiStream]
	incomingUni  *incomingStreamsMap[*receiveStream]

	newFlowController func(id protocol.StreamID) flowcontrol.StreamFlowController
	queueControlFrame func(wire.Frame)
}

func newStreamsMap(
	perspective protocol.Perspective,
	maxIncomingBidiStreams, maxIncomingUniStreams int64,
	newFlowController func(id protocol.StreamID) flowcontrol.StreamFlowController,
	queueControlFrame func(wire.Frame),
	onStreamCompleted func(id protocol.StreamID),
	scheduleSending func(id protocol.StreamID),
) *streamsMap {
	m := &streamsMap{
		perspective:       perspective,
		newFlowController: newFlowController,
		queueControlFrame: queueControlFrame,
	}

	sender := &mapStreamSender{m: m, sendFrame: queueControlFrame, notifyClosed: onStreamCompleted, notifyActive: scheduleSending}

	m.outgoingBidi = newOutgoingStreamsMap(false, func(num int64) *bidiStream {
		id := streamNumToID(num, perspective, false)
		return newBidiStream(id, sender, m.newFlowController(id))
	}, queueControlFrame)

	m.outgoingUni = newOutgoingStreamsMap(true, func(num int64) *sendStream {
		id := streamNumToID(num, perspective, true)
		return newSendStream(id, sender, m.newFlowController(id))
	}, queueControlFrame)

	m.incomingBidi = newIncomingStreamsMap(false, maxIncomingBidiStreams, func(num int64) *bidiStream {
		id := streamNumToID(num, perspective.Opposite(), false)
		return newBidiStream(id, sender, m.newFlowController(id))
	}, func(limit int64) { queueControlFrame(&wire.MaxStreamsFrame{Unidirectional: false, MaxStreamNum: limit}) })

	m.incomingUni = newIncomingStreamsMap(true, maxIncomingUniStreams, func(num int64) *receiveStream {
		id := streamNumToID(num, perspective.Opposite(), true)
		return newReceiveStream(id, sender, m.newFlowController(id))
	}, func(limit int64) { queueControlFrame(&wire.MaxStreamsFrame{Unidirectional: true, MaxStreamNum: limit}) })

	return m
}

func (m *streamsMap) OpenStream() (Stream, error) {
	return derefOrErr[*bidiStream, Stream](m.outgoingBidi.OpenStream())
}
func (m *streamsMap) OpenStreamSync() (Stream, error) {
	return derefOrErr[*bidiStream, Stream](m.outgoingBidi.OpenStreamSync())
}
func (m *streamsMap) OpenUniStream() (SendStream, error) {
	return derefOrErr[*sendStream, SendStream](m.outgoingUni.OpenStream())
}
func (m *streamsMap) OpenUniStreamSync() (SendStream, error) {
	return derefOrErr[*sendStream, SendStream](m.outgoingUni.OpenStreamSync())
}
func (m *streamsMap) AcceptStream() (Stream, error) {
	return derefOrErr[*bidiStream, Stream](m.incomingBidi.AcceptStream())
}
func (m *streamsMap) AcceptUniStream() (ReceiveStream, error) {
	return derefOrErr[*receiveStream, ReceiveStream](m.incomingUni.AcceptStream())
}

// derefOrErr adapts a generic map's typed-pointer result to the exported
// interface type. Open/OpenSync/Accept only ever return a nil T alongside
// a non-nil error, so the zero-value branch never wraps a nil pointer in a
// non-nil interface.
func derefOrErr[T any, I any](s T, err error) (I, error) {
	var zero I
	if err != nil {
		return zero, err
	}
	return any(s).(I), nil
}

// getOrOpenStream returns the stream half id addresses as a non-nil `any`,
// or (nil, nil) if that stream has already been fully closed and removed.
// The explicit nil checks below matter: returning a typed-nil pointer
// through the `any` return type would make the caller's `s == nil` check
// never fire.
func (m *streamsMap) getOrOpenStream(id protocol.StreamID) (any, error) {
	num := id.StreamNum()
	if id.InitiatedBy() == m.perspective {
		if id.IsUniDirectional() {
			s, err := m.outgoingUni.GetStream(num)
			if err != nil || s == nil {
				return nil, err
			}
			return s, nil
		}
		s, err := m.outgoingBidi.GetStream(num)
		if err != nil || s == nil {
			return nil, err
		}
		return s, nil
	}
	if id.IsUniDirectional() {
		s, err := m.incomingUni.GetOrOpenStream(num)
		if err != nil || s == nil {
			return nil, err
		}
		return s, nil
	}
	s, err := m.incomingBidi.GetOrOpenStream(num)
	if err != nil || s == nil {
		return nil, err
	}
	return s, nil
}

// getSendStream resolves id to the send half the framer should pull a
// STREAM frame from, or nil if that stream already finished and was
// removed.
func (m *streamsMap) getSendStream(id protocol.StreamID) frameSource {
	s, err := m.getOrOpenStream(id)
	if err != nil || s == nil {
		return nil
	}
	src, ok := s.(frameSource)
	if !ok {
		return nil
	}
	return src
}

// HandleStreamFrame routes a STREAM frame to its receiveStream half,
// opening it (and any lower-numbered peer stream) first if necessary.
func (m *streamsMap) HandleStreamFrame(f *wire.StreamFrame) error {
	if f.StreamID.IsUniDirectional() && f.StreamID.InitiatedBy() == m.perspective {
		return fmt.Errorf("received STREAM frame for send-only stream %d", f.StreamID)
	}
	s, err := m.getOrOpenStream(f.StreamID)
	if err != nil || s == nil {
		return err
	}
	if bidi, ok := s.(*bidiStream); ok {
		return bidi.handleStreamFrame(f)
	}
	return s.(*receiveStream).handleStreamFrame(f)
}

func (m *streamsMap) HandleResetStreamFrame(f *wire.ResetStreamFrame) error {
	s, err := m.getOrOpenStream(f.StreamID)
	if err != nil || s == nil {
		return err
	}
	if bidi, ok := s.(*bidiStream); ok {
		return bidi.handleResetStreamFrame(f)
	}
	return s.(*receiveStream).handleResetStreamFrame(f)
}

func (m *streamsMap) HandleStopSendingFrame(f *wire.StopSendingFrame) error {
	s, err := m.getOrOpenStream(f.StreamID)
	if err != nil || s == nil {
		return nil
	}
	if bidi, ok := s.(*bidiStream); ok {
		bidi.handleStopSendingFrame(f)
		return nil
	}
	s.(*sendStream).handleStopSendingFrame(f)
	return nil
}

func (m *streamsMap) HandleMaxStreamDataFrame(f *wire.MaxStreamDataFrame) error {
	s, err := m.getOrOpenStream(f.StreamID)
	if err != nil || s == nil {
		return err
	}
	if bidi, ok := s.(*bidiStream); ok {
		bidi.handleMaxStreamDataFrame(f)
		return nil
	}
	s.(*sendStream).handleMaxStreamDataFrame(f)
	return nil
}

func (m *streamsMap) HandleMaxStreamsFrame(f *wire.MaxStreamsFrame) {
	if f.Unidirectional {
		m.outgoingUni.SetMaxStream(f.MaxStreamNum)
	} else {
		m.outgoingBidi.SetMaxStream(f.MaxStreamNum)
	}
}

func (m *streamsMap) CloseWithError(err error) {
	m.outgoingBidi.CloseWithError(err)
	m.outgoingUni.CloseWithError(err)
	m.incomingBidi.CloseWithError(err)
	m.incomingUni.CloseWithError(err)
}

// mapStreamSender adapts streamsMap into the streamSender contract each
// stream half is built with, dispatching completion back to the map that
// created it so the map can delete the entry and grant the peer credit for
// one more incoming stream.
type mapStreamSender struct {
	m            *streamsMap
	sendFrame    func(wire.Frame)
	notifyClosed func(id protocol.StreamID)
	notifyActive func(id protocol.StreamID)
}

func (s *mapStreamSender) scheduleSending(id protocol.StreamID) { s.notifyActive(id) }

func (s *mapStreamSender) queueControlFrame(frame wire.Frame) { s.sendFrame(frame) }

func (s *mapStreamSender) onStreamCompleted(id protocol.StreamID) {
	num := id.StreamNum()
	var err error
	switch {
	case id.InitiatedBy() == s.m.perspective && id.IsUniDirectional():
		err = s.m.outgoingUni.DeleteStream(num)
	case id.InitiatedBy() == s.m.perspective:
		err = s.m.outgoingBidi.DeleteStream(num)
	case id.IsUniDirectional():
		err = s.m.incomingUni.DeleteStream(num)
	default:
		err = s.m.incomingBidi.DeleteStream(num)
	}
	if err == nil && s.notifyClosed != nil {
		s.notifyClosed(id)
	}
}
