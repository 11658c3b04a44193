package handshake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// TokenProtectorKey seals both Retry tokens and NEW_TOKEN resumption tokens.
type TokenProtectorKey [32]byte

const tokenNonceSize = 32

const tokenProtectorHKDFInfo = "nanoq token source"

// tokenProtector AEAD-seals opaque token payloads behind a per-token random
// nonce, so that two tokens for the same data never collide on the wire.
type tokenProtector struct {
	key TokenProtectorKey
}

func newTokenProtector(key TokenProtectorKey) *tokenProtector {
	return &tokenProtector{key: key}
}

// NewToken encodes data into a new token.
func (s *tokenProtector) NewToken(data []byte) ([]byte, error) {
	var nonce [tokenNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	aead, aeadNonce, err := s.createAEAD(nonce[:])
	if err != nil {
		return nil, err
	}
	return append(nonce[:], aead.Seal(nil, aeadNonce, data, nil)...), nil
}

// DecodeToken decodes and authenticates a token previously produced by
// NewToken.
func (s *tokenProtector) DecodeToken(p []byte) ([]byte, error) {
	if len(p) < tokenNonceSize {
		return nil, fmt.Errorf("handshake: token too short: %d bytes", len(p))
	}
	nonce := p[:tokenNonceSize]
	aead, aeadNonce, err := s.createAEAD(nonce)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, aeadNonce, p[tokenNonceSize:], nil)
}

func (s *tokenProtector) createAEAD(nonce []byte) (cipher.AEAD, []byte, error) {
	prk := hkdf.Extract(sha256.New, s.key[:], nonce)
	expanded := make([]byte, 32+12)
	if _, err := hkdf.Expand(sha256.New, prk, []byte(tokenProtectorHKDFInfo)).Read(expanded); err != nil {
		return nil, nil, err
	}
	key := expanded[:32]
	aeadNonce := expanded[32:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return aead, aeadNonce, nil
}
