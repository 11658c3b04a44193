package handshake

import (
	"crypto"
	"crypto/tls"
	"testing"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestSuiteParamsKnownSuites(t *testing.T) {
	keyLen, ivLen, hash := suiteParams(tls.TLS_AES_128_GCM_SHA256)
	require.Equal(t, 16, keyLen)
	require.Equal(t, 12, ivLen)
	require.Equal(t, crypto.SHA256, hash)

	keyLen, ivLen, hash = suiteParams(tls.TLS_AES_256_GCM_SHA384)
	require.Equal(t, 32, keyLen)
	require.Equal(t, 12, ivLen)
	require.Equal(t, crypto.SHA384, hash)

	keyLen, _, _ = suiteParams(tls.TLS_CHACHA20_POLY1305_SHA256)
	require.Equal(t, 32, keyLen)
}

func TestSuiteParamsUnsupportedSuitePanics(t *testing.T) {
	require.Panics(t, func() { suiteParams(0x1234) })
}

func TestCreateAEADSealOpenRoundTripAES(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	sealAEAD, err := createAEAD(tls.TLS_AES_128_GCM_SHA256, secret)
	require.NoError(t, err)
	openAEAD, err := createAEAD(tls.TLS_AES_128_GCM_SHA256, secret)
	require.NoError(t, err)

	nonce := make([]byte, sealAEAD.NonceSize())
	nonce[len(nonce)-1] = 5
	ad := []byte("ad")
	sealed := sealAEAD.Seal(nil, nonce, []byte("hello"), ad)
	opened, err := openAEAD.Open(nil, nonce, sealed, ad)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), opened)
}

func TestCreateAEADSealOpenRoundTripChaCha(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	sealAEAD, err := createAEAD(tls.TLS_CHACHA20_POLY1305_SHA256, secret)
	require.NoError(t, err)
	openAEAD, err := createAEAD(tls.TLS_CHACHA20_POLY1305_SHA256, secret)
	require.NoError(t, err)

	nonce := make([]byte, sealAEAD.NonceSize())
	sealed := sealAEAD.Seal(nil, nonce, []byte("quic payload"), []byte("ad"))
	opened, err := openAEAD.Open(nil, nonce, sealed, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, []byte("quic payload"), opened)
}

func TestCreateHeaderProtectorAESAndChaChaProduceFiveByteMask(t *testing.T) {
	secret := make([]byte, 32)
	sample := make([]byte, 16)
	for i := range sample {
		sample[i] = byte(i * 3)
	}

	aesProtector, err := createHeaderProtector(tls.TLS_AES_128_GCM_SHA256, secret)
	require.NoError(t, err)
	aesMask := make([]byte, 5)
	aesProtector.Encrypt(aesMask, sample)
	require.NotEqual(t, make([]byte, 5), aesMask)

	chachaProtector, err := createHeaderProtector(tls.TLS_CHACHA20_POLY1305_SHA256, secret)
	require.NoError(t, err)
	chachaMask := make([]byte, 5)
	chachaProtector.Encrypt(chachaMask, sample)
	require.NotEqual(t, aesMask, chachaMask)
}

func TestXorNonceAEADAppliesFixedIV(t *testing.T) {
	require.Equal(t, []byte{0x01, 0x02 ^ 0x0f}, xorNonce([]byte{0x01, 0x02}, []byte{0x00, 0x0f}))
}

func TestChachaHeaderProtectorDeterministic(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	p := newChaChaHeaderProtector(key)
	sample := make([]byte, 16)
	for i := range sample {
		sample[i] = byte(i + 7)
	}

	var maskA, maskB [5]byte
	p.Encrypt(maskA[:], sample)
	p.Encrypt(maskB[:], sample)
	require.Equal(t, maskA, maskB)
}

func TestNewInitialAEADOverheadMatchesGCMTag(t *testing.T) {
	connID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	seal, _, err := NewInitialAEAD(connID, protocol.PerspectiveClient, protocol.Version1)
	require.NoError(t, err)
	require.Equal(t, 16, seal.Overhead())
}
