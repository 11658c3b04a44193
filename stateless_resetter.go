package nanoq

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"sync"

	"github.com/nanoq/nanoq/internal/protocol"
)

// statelessResetter derives RFC 9000 §10.3.1 stateless reset tokens. With a
// configured key, the token for a given connection ID is deterministic
// (HMAC-SHA256 keyed by the key, over the connection ID), so a reset can be
// recognized and issued again after a process restart without retaining
// per-connection state. Without a key, tokens are random and this endpoint
// can never itself validate a reset token it receives.
type statelessResetter struct {
	enabled bool
	mutex   sync.Mutex
	hasher  hash.Hash
}

func newStatelessResetter(key *[32]byte) *statelessResetter {
	r := &statelessResetter{enabled: key != nil}
	if r.enabled {
		r.hasher = hmac.New(sha256.New, key[:])
	}
	return r
}

func (r *statelessResetter) Enabled() bool { return r.enabled }

func (r *statelessResetter) GetStatelessResetToken(connID protocol.ConnectionID) protocol.StatelessResetToken {
	var token protocol.StatelessResetToken
	if !r.enabled {
		// An off-path attacker can't forge a reset we'd honor if the token
		// is random; there's no per-connection state to recompute it from.
		rand.Read(token[:])
		return token
	}
	r.mutex.Lock()
	r.hasher.Write(connID.Bytes())
	copy(token[:], r.hasher.Sum(nil))
	r.hasher.Reset()
	r.mutex.Unlock()
	return token
}
