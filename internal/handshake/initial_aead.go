package handshake

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"

	"github.com/nanoq/nanoq/internal/protocol"
)

// initialSaltV1 is the salt for draft-ietf-quic-tls version 1, RFC 9001 §5.2.
var initialSaltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}

// initialSaltDraft29 is the salt for draft-29, kept for backward
// compatibility with that pinned version.
var initialSaltDraft29 = []byte{0xaf, 0xbf, 0xec, 0x28, 0x99, 0x93, 0xd2, 0x4c, 0x9e, 0x97, 0x86, 0xf1, 0x9c, 0x61, 0x11, 0xe0, 0x43, 0x90, 0xa8, 0x99}

func initialSaltForVersion(v protocol.Version) []byte {
	if v == protocol.VersionDraft29 {
		return initialSaltDraft29
	}
	return initialSaltV1
}

// NewInitialAEAD derives the Initial sealer/opener pair for a given
// destination connection ID, RFC 9001 §5.2. Initial traffic always uses
// AES-128-GCM/SHA-256, independent of whatever suite TLS negotiates later.
func NewInitialAEAD(connID protocol.ConnectionID, pers protocol.Perspective, v protocol.Version) (LongHeaderSealer, LongHeaderOpener, error) {
	clientSecret, serverSecret := computeInitialSecrets(connID, v)
	var mySecret, otherSecret []byte
	if pers == protocol.PerspectiveClient {
		mySecret, otherSecret = clientSecret, serverSecret
	} else {
		mySecret, otherSecret = serverSecret, clientSecret
	}
	myKey, myHPKey, myIV := computeInitialKeyIVHP(mySecret)
	otherKey, otherHPKey, otherIV := computeInitialKeyIVHP(otherSecret)

	sealAEAD, err := aesGCMWithIV(myKey, myIV)
	if err != nil {
		return nil, nil, err
	}
	hpEnc, err := aes.NewCipher(myHPKey)
	if err != nil {
		return nil, nil, err
	}
	openAEAD, err := aesGCMWithIV(otherKey, otherIV)
	if err != nil {
		return nil, nil, err
	}
	hpDec, err := aes.NewCipher(otherHPKey)
	if err != nil {
		return nil, nil, err
	}
	return newLongHeaderSealer(sealAEAD, aesHeaderProtector{hpEnc}), newLongHeaderOpener(openAEAD, aesHeaderProtector{hpDec}), nil
}

func aesGCMWithIV(key, iv []byte) (*xorNonceAEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	inner, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &xorNonceAEAD{aead: inner, nonceMask: iv}, nil
}

func computeInitialSecrets(connID protocol.ConnectionID, v protocol.Version) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(crypto.SHA256, connID.Bytes(), initialSaltForVersion(v))
	clientSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, nil, "client in", crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, nil, "server in", crypto.SHA256.Size())
	return
}

func computeInitialKeyIVHP(secret []byte) (key, hpKey, iv []byte) {
	key = hkdfExpandLabel(crypto.SHA256, secret, nil, "quic key", 16)
	hpKey = hkdfExpandLabel(crypto.SHA256, secret, nil, "quic hp", 16)
	iv = hkdfExpandLabel(crypto.SHA256, secret, nil, "quic iv", 12)
	return
}
