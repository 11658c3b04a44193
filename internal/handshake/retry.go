package handshake

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/nanoq/nanoq/internal/protocol"
)

// Retry integrity keys, RFC 9001 §5.8. Version 1 and draft-29 use different
// fixed keys; GetRetryIntegrityTag picks the right one by version, resolving
// the ambiguity of which key a Retry packet was protected with.
var (
	retryAEADV1      cipher.AEAD
	retryAEADDraft29 cipher.AEAD
)

var retryNonceV1 = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
var retryNonceDraft29 = [12]byte{0x4d, 0x16, 0x11, 0xd0, 0x55, 0x13, 0xa5, 0x52, 0xc5, 0x87, 0xd5, 0x75}

func init() {
	retryAEADV1 = mustRetryAEAD([16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e})
	retryAEADDraft29 = mustRetryAEAD([16]byte{0x4d, 0x32, 0xec, 0xdb, 0x2a, 0x21, 0x33, 0xc8, 0x41, 0xe4, 0x04, 0x3d, 0xf2, 0x7d, 0x44, 0x30})
}

func mustRetryAEAD(key [16]byte) cipher.AEAD {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	return aead
}

var retryBufMutex sync.Mutex
var retryBuf bytes.Buffer

// GetRetryIntegrityTag computes the authentication tag carried at the end of
// a Retry packet, binding it to the original destination connection ID the
// client used, RFC 9001 §5.8.
func GetRetryIntegrityTag(retry []byte, origDestConnID protocol.ConnectionID, v protocol.Version) *[16]byte {
	aead := retryAEADV1
	nonce := retryNonceV1
	if v == protocol.VersionDraft29 {
		aead = retryAEADDraft29
		nonce = retryNonceDraft29
	}

	retryBufMutex.Lock()
	defer retryBufMutex.Unlock()
	retryBuf.Reset()
	retryBuf.WriteByte(uint8(origDestConnID.Len()))
	retryBuf.Write(origDestConnID.Bytes())
	retryBuf.Write(retry)

	var tag [16]byte
	sealed := aead.Seal(tag[:0], nonce[:], nil, retryBuf.Bytes())
	if len(sealed) != 16 {
		panic(fmt.Sprintf("handshake: unexpected retry integrity tag length: %d", len(sealed)))
	}
	return &tag
}
