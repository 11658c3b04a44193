package handshake

import (
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// chachaHeaderProtector computes the header protection mask for the
// ChaCha20-Poly1305 suite, RFC 9001 §5.4.4: the low 4 bytes of the 16-byte
// sample are the block counter (little-endian), the high 12 are the nonce,
// and the mask is 5 bytes of ChaCha20 keystream.
type chachaHeaderProtector struct {
	key [32]byte
}

func newChaChaHeaderProtector(key []byte) *chachaHeaderProtector {
	var p chachaHeaderProtector
	copy(p.key[:], key)
	return &p
}

func (p *chachaHeaderProtector) Encrypt(mask, sample []byte) {
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(p.key[:], nonce)
	if err != nil {
		panic(err)
	}
	c.SetCounter(counter)
	var zero [5]byte
	c.XORKeyStream(mask[:5], zero[:])
}
