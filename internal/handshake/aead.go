package handshake

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nanoq/nanoq/internal/protocol"
)

const chachaSuite = tls.TLS_CHACHA20_POLY1305_SHA256

// ErrDecryptionFailed is returned by an opener when the AEAD tag doesn't
// verify. Callers must treat this as "drop the packet", never tear down the
// connection, RFC 9001 §5.6.
var ErrDecryptionFailed = errors.New("handshake: decryption failed")

// LongHeaderSealer seals Initial, 0-RTT, and Handshake packets.
type LongHeaderSealer interface {
	Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte
	EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
	Overhead() int
}

// LongHeaderOpener opens Initial, 0-RTT, and Handshake packets.
type LongHeaderOpener interface {
	Open(dst, src []byte, pn protocol.PacketNumber, ad []byte) ([]byte, error)
	DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte)
}

// headerProtector computes the 5-byte header protection mask from a 16-byte
// ciphertext sample, RFC 9001 §5.4. AES and ChaCha20 derive it differently,
// so each cipher suite gets its own implementation behind this interface.
type headerProtector interface {
	Encrypt(mask, sample []byte)
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (a aesHeaderProtector) Encrypt(mask, sample []byte) {
	var out [16]byte
	a.block.Encrypt(out[:], sample)
	copy(mask, out[:])
}

type sealer struct {
	aead        cipher.AEAD
	hpEncrypter headerProtector

	nonceBuf []byte
	hpMask   []byte
}

var _ LongHeaderSealer = &sealer{}

func newLongHeaderSealer(aead cipher.AEAD, hpEncrypter headerProtector) LongHeaderSealer {
	return &sealer{
		aead:        aead,
		nonceBuf:    make([]byte, aead.NonceSize()),
		hpEncrypter: hpEncrypter,
		hpMask:      make([]byte, 16),
	}
}

func (s *sealer) Seal(dst, src []byte, pn protocol.PacketNumber, ad []byte) []byte {
	binary.BigEndian.PutUint64(s.nonceBuf[len(s.nonceBuf)-8:], uint64(pn))
	return s.aead.Seal(dst, s.nonceBuf, src, ad)
}

func (s *sealer) EncryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	s.hpEncrypter.Encrypt(s.hpMask, sample)
	if *firstByte&0x80 > 0 { // long header, 4 reserved bits
		*firstByte ^= s.hpMask[0] & 0xf
	} else { // short header, 5 reserved bits
		*firstByte ^= s.hpMask[0] & 0x1f
	}
	for i := range pnBytes {
		pnBytes[i] ^= s.hpMask[i+1]
	}
}

func (s *sealer) Overhead() int { return s.aead.Overhead() }

type longHeaderOpener struct {
	aead        cipher.AEAD
	pnDecrypter headerProtector

	nonceBuf []byte
	hpMask   []byte
}

var _ LongHeaderOpener = &longHeaderOpener{}

func newLongHeaderOpener(aead cipher.AEAD, pnDecrypter headerProtector) LongHeaderOpener {
	return &longHeaderOpener{
		aead:        aead,
		nonceBuf:    make([]byte, aead.NonceSize()),
		pnDecrypter: pnDecrypter,
		hpMask:      make([]byte, 16),
	}
}

func (o *longHeaderOpener) Open(dst, src []byte, pn protocol.PacketNumber, ad []byte) ([]byte, error) {
	binary.BigEndian.PutUint64(o.nonceBuf[len(o.nonceBuf)-8:], uint64(pn))
	dec, err := o.aead.Open(dst, o.nonceBuf, src, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return dec, nil
}

func (o *longHeaderOpener) DecryptHeader(sample []byte, firstByte *byte, pnBytes []byte) {
	o.pnDecrypter.Encrypt(o.hpMask, sample)
	if *firstByte&0x80 > 0 {
		*firstByte ^= o.hpMask[0] & 0xf
	} else {
		*firstByte ^= o.hpMask[0] & 0x1f
	}
	for i := range pnBytes {
		pnBytes[i] ^= o.hpMask[i+1]
	}
}

// createAEAD builds the AEAD for the negotiated cipher suite. Initial
// secrets always use AES-128-GCM/SHA-256 regardless of the suite eventually
// negotiated, RFC 9001 §5.2; Handshake and 1-RTT use whatever crypto/tls
// picked.
func createAEAD(suite uint16, trafficSecret []byte) (cipher.AEAD, error) {
	keyLen, ivLen, hashFn := suiteParams(suite)
	key := hkdfExpandLabel(hashFn, trafficSecret, nil, "quic key", keyLen)
	iv := hkdfExpandLabel(hashFn, trafficSecret, nil, "quic iv", ivLen)
	var inner cipher.AEAD
	var err error
	switch suite {
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		inner, err = chacha20poly1305.New(key)
	default:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		inner, err = cipher.NewGCM(block)
	}
	if err != nil {
		return nil, err
	}
	// RFC 9001 §5.3: the AEAD nonce is the traffic IV XORed with the packet
	// number. Neither the stdlib GCM nor x/crypto's ChaCha20-Poly1305 does
	// this internally, so both are wrapped identically here.
	return &xorNonceAEAD{aead: inner, nonceMask: iv}, nil
}

func createHeaderProtector(suite uint16, trafficSecret []byte) (headerProtector, error) {
	keyLen, _, hashFn := suiteParams(suite)
	hpKey := hkdfExpandLabel(hashFn, trafficSecret, nil, "quic hp", keyLen)
	if suite == tls.TLS_CHACHA20_POLY1305_SHA256 {
		return newChaChaHeaderProtector(hpKey), nil
	}
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return aesHeaderProtector{block}, nil
}

func suiteParams(suite uint16) (keyLen, ivLen int, hash crypto.Hash) {
	switch suite {
	case tls.TLS_AES_128_GCM_SHA256:
		return 16, 12, crypto.SHA256
	case tls.TLS_AES_256_GCM_SHA384:
		return 32, 12, crypto.SHA384
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return chacha20poly1305.KeySize, chacha20poly1305.NonceSize, crypto.SHA256
	default:
		panic(fmt.Sprintf("handshake: unsupported cipher suite 0x%x", suite))
	}
}

// xorNonceAEAD XORs a fixed IV into the explicit per-packet nonce before
// delegating to the wrapped AEAD, as RFC 9001 §5.3 requires: the nonce used
// is the packet number padded with zeros, XORed with the traffic IV.
type xorNonceAEAD struct {
	aead      cipher.AEAD
	nonceMask []byte
}

func (x *xorNonceAEAD) NonceSize() int { return len(x.nonceMask) }
func (x *xorNonceAEAD) Overhead() int  { return x.aead.Overhead() }

func (x *xorNonceAEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	xored := xorNonce(x.nonceMask, nonce)
	return x.aead.Seal(dst, xored, plaintext, additionalData)
}

func (x *xorNonceAEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	xored := xorNonce(x.nonceMask, nonce)
	return x.aead.Open(dst, xored, ciphertext, additionalData)
}

func xorNonce(mask, nonce []byte) []byte {
	out := make([]byte, len(mask))
	copy(out, mask)
	for i, b := range nonce {
		out[i] ^= b
	}
	return out
}
