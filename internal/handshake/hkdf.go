package handshake

import (
	"crypto"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfExpandLabel HKDF-expands a label as defined in RFC 8446 §7.1, using
// the "tls13 " prefix RFC 9001 §5.1 carries over unchanged for QUIC.
func hkdfExpandLabel(hash crypto.Hash, secret, context []byte, label string, length int) []byte {
	b := make([]byte, 3, 3+6+len(label)+1+len(context))
	binary.BigEndian.PutUint16(b, uint16(length))
	b[2] = uint8(6 + len(label))
	b = append(b, []byte("tls13 ")...)
	b = append(b, []byte(label)...)
	b = b[:3+6+len(label)+1]
	b[3+6+len(label)] = uint8(len(context))
	b = append(b, context...)

	out := make([]byte, length)
	r := hkdf.Expand(hash.New, secret, b)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Errorf("nanoq: HKDF-Expand-Label failed unexpectedly: %v", err))
	}
	return out
}

func hkdfExtract(hash crypto.Hash, secret, salt []byte) []byte {
	return hkdf.Extract(hash.New, secret, salt)
}
