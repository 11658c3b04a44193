package protocol

import (
	"crypto/rand"
	"fmt"
)

// ConnectionID is an opaque QUIC connection identifier, up to 20 bytes.
type ConnectionID struct {
	b [MaxConnectionIDLen]byte
	l uint8
}

// ParseConnectionID builds a ConnectionID from a byte slice. The slice is
// copied; callers may reuse it immediately afterwards.
func ParseConnectionID(b []byte) ConnectionID {
	var c ConnectionID
	c.l = uint8(len(b))
	copy(c.b[:], b)
	return c
}

// GenerateConnectionID returns a random connection ID of length n.
func GenerateConnectionID(n int) (ConnectionID, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ConnectionID{}, err
	}
	return ParseConnectionID(b), nil
}

// GenerateConnectionIDForInitial returns a random connection ID suitable for
// the client's initial destination connection ID: 8-20 bytes, RFC 9000 §7.2.
func GenerateConnectionIDForInitial() (ConnectionID, error) {
	return GenerateConnectionID(8)
}

func (c ConnectionID) Len() int { return int(c.l) }

func (c ConnectionID) Bytes() []byte { return c.b[:c.l] }

func (c ConnectionID) Equal(other ConnectionID) bool {
	return c.l == other.l && c.b == other.b
}

func (c ConnectionID) String() string {
	if c.l == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%x", c.Bytes())
}

// StatelessResetToken is the 16-byte token carried alongside a CID, used to
// recognize a peer-generated stateless reset for that CID.
type StatelessResetToken [ConnectionIDTokenLen]byte
