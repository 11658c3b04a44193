package nanoq

import (
	"crypto/rand"
	"sync"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// ourIssuedConnID is one connection ID this endpoint has handed the peer via
// a NEW_CONNECTION_ID frame, tracked until the peer retires it.
type ourIssuedConnID struct {
	sequenceNumber      uint64
	connectionID        protocol.ConnectionID
	statelessResetToken protocol.StatelessResetToken
}

// connIDGenerator issues our own connection IDs to the peer and tracks
// which ones are still active. The teacher's own `conn_id_generator.go` is a
// newer multipath-aware variant keyed by `pathCIDIssuanceState`/`PathID`;
// this module has no multipath in scope, so this is the same bookkeeping
// collapsed to a single path.
type connIDGenerator struct {
	mutex sync.Mutex

	issued      map[uint64]*ourIssuedConnID
	nextSeq     uint64
	activeLimit uint64

	queueControlFrame  func(wire.Frame)
	addConnectionID    func(protocol.ConnectionID)
	removeConnectionID func(protocol.ConnectionID)
}

func newConnIDGenerator(
	initialConnID protocol.ConnectionID,
	initialStatelessResetToken protocol.StatelessResetToken,
	activeLimit uint64,
	queueControlFrame func(wire.Frame),
	addConnectionID func(protocol.ConnectionID),
	removeConnectionID func(protocol.ConnectionID),
) *connIDGenerator {
	g := &connIDGenerator{
		issued:             make(map[uint64]*ourIssuedConnID),
		nextSeq:            1,
		activeLimit:        activeLimit,
		queueControlFrame:  queueControlFrame,
		addConnectionID:    addConnectionID,
		removeConnectionID: removeConnectionID,
	}
	g.issued[0] = &ourIssuedConnID{connectionID: initialConnID, statelessResetToken: initialStatelessResetToken}
	return g
}

// SetMaxActiveConnectionIDs raises the number of connection IDs we keep
// issued to the peer, once its transport parameters are known.
func (g *connIDGenerator) SetMaxActiveConnectionIDs(limit uint64) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if limit > g.activeLimit {
		g.activeLimit = limit
	}
	return g.issueNewConnectionIDsLocked()
}

func (g *connIDGenerator) issueNewConnectionIDsLocked() error {
	for uint64(len(g.issued)) < g.activeLimit {
		cid, err := protocol.GenerateConnectionID(protocol.DefaultConnectionIDLength)
		if err != nil {
			return err
		}
		var token protocol.StatelessResetToken
		if _, err := rand.Read(token[:]); err != nil {
			return err
		}
		seq := g.nextSeq
		g.nextSeq++
		g.issued[seq] = &ourIssuedConnID{sequenceNumber: seq, connectionID: cid, statelessResetToken: token}
		g.addConnectionID(cid)
		g.queueControlFrame(&wire.NewConnectionIDFrame{
			SequenceNumber:      seq,
			ConnectionID:        cid,
			StatelessResetToken: token,
		})
	}
	return nil
}

// Retire processes a RETIRE_CONNECTION_ID frame from the peer.
func (g *connIDGenerator) Retire(sequenceNumber uint64) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	entry, ok := g.issued[sequenceNumber]
	if !ok {
		return nil
	}
	delete(g.issued, sequenceNumber)
	g.removeConnectionID(entry.connectionID)
	return g.issueNewConnectionIDsLocked()
}
