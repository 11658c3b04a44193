package nanoq

import (
	"fmt"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// issuedConnID is one NEW_CONNECTION_ID frame's worth of state the peer has
// handed us for future use.
type issuedConnID struct {
	sequenceNumber      uint64
	connectionID        protocol.ConnectionID
	statelessResetToken *protocol.StatelessResetToken
}

// connIDManager tracks the destination connection IDs the peer has issued
// via NEW_CONNECTION_ID and retires them in order as instructed. The
// teacher's own version here is a generated linked list
// (utils.NewConnectionIDList); this module's pack doesn't carry that
// generated container, so the queue is a plain slice — sized small enough
// (bounded by protocol.MaxActiveConnectionIDs) that slice shifting is cheap.
type connIDManager struct {
	queue []issuedConnID

	activeSequenceNumber      uint64
	activeConnectionID        protocol.ConnectionID
	activeStatelessResetToken *protocol.StatelessResetToken

	addStatelessResetToken func(protocol.StatelessResetToken)
	queueControlFrame      func(wire.Frame)
}

func newConnIDManager(
	initialDestConnID protocol.ConnectionID,
	addStatelessResetToken func(protocol.StatelessResetToken),
	queueControlFrame func(wire.Frame),
) *connIDManager {
	return &connIDManager{
		activeConnectionID:     initialDestConnID,
		addStatelessResetToken: addStatelessResetToken,
		queueControlFrame:      queueControlFrame,
	}
}

func (h *connIDManager) Add(f *wire.NewConnectionIDFrame) error {
	if err := h.add(f); err != nil {
		return err
	}
	if len(h.queue) >= protocol.MaxActiveConnectionIDs {
		h.updateConnectionID()
	}
	return nil
}

func (h *connIDManager) add(f *wire.NewConnectionIDFrame) error {
	// retire queued (not yet active) entries below RetirePriorTo
	i := 0
	for i < len(h.queue) && h.queue[i].sequenceNumber < f.RetirePriorTo {
		h.queueControlFrame(&wire.RetireConnectionIDFrame{SequenceNumber: h.queue[i].sequenceNumber})
		i++
	}
	h.queue = h.queue[i:]

	token := f.StatelessResetToken
	entry := issuedConnID{
		sequenceNumber:      f.SequenceNumber,
		connectionID:        f.ConnectionID,
		statelessResetToken: &token,
	}

	inserted := false
	for j, existing := range h.queue {
		switch {
		case existing.sequenceNumber == f.SequenceNumber:
			if !existing.connectionID.Equal(f.ConnectionID) {
				return fmt.Errorf("received conflicting connection IDs for sequence number %d", f.SequenceNumber)
			}
			if *existing.statelessResetToken != f.StatelessResetToken {
				return fmt.Errorf("received conflicting stateless reset tokens for sequence number %d", f.SequenceNumber)
			}
			inserted = true
		case existing.sequenceNumber > f.SequenceNumber:
			h.queue = append(h.queue[:j], append([]issuedConnID{entry}, h.queue[j:]...)...)
			inserted = true
		}
		if inserted {
			break
		}
	}
	if !inserted {
		h.queue = append(h.queue, entry)
	}

	if h.activeSequenceNumber < f.RetirePriorTo {
		h.updateConnectionID()
	}
	return nil
}

func (h *connIDManager) updateConnectionID() {
	h.queueControlFrame(&wire.RetireConnectionIDFrame{SequenceNumber: h.activeSequenceNumber})
	if len(h.queue) == 0 {
		return
	}
	front := h.queue[0]
	h.queue = h.queue[1:]
	h.activeSequenceNumber = front.sequenceNumber
	h.activeConnectionID = front.connectionID
	h.activeStatelessResetToken = front.statelessResetToken
}

// ChangeInitialConnID is called on the client after a Retry, or on the
// server when it decides to use a connection ID other than the one the
// client's first Initial addressed.
func (h *connIDManager) ChangeInitialConnID(newConnID protocol.ConnectionID) {
	if h.activeSequenceNumber != 0 {
		panic("expected first connection ID to have sequence number 0")
	}
	h.activeConnectionID = newConnID
}

// SetStatelessResetToken records the token the peer advertised in its
// transport parameters for its first connection ID.
func (h *connIDManager) SetStatelessResetToken(token protocol.StatelessResetToken) {
	if h.activeSequenceNumber != 0 {
		panic("expected first connection ID to have sequence number 0")
	}
	h.activeStatelessResetToken = &token
	h.addStatelessResetToken(token)
}

func (h *connIDManager) Get() protocol.ConnectionID { return h.activeConnectionID }

// IsStatelessReset reports whether token matches the reset token the peer
// advertised for the connection ID currently in use, RFC 9000 §10.3.1.
func (h *connIDManager) IsStatelessReset(token protocol.StatelessResetToken) bool {
	return h.activeStatelessResetToken != nil && *h.activeStatelessResetToken == token
}
