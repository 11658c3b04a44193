package handshake

import (
	"testing"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestGetRetryIntegrityTagIsDeterministic(t *testing.T) {
	origDestConnID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	retry := []byte("a fake retry packet up to the tag")

	tag1 := GetRetryIntegrityTag(retry, origDestConnID, protocol.Version1)
	tag2 := GetRetryIntegrityTag(retry, origDestConnID, protocol.Version1)
	require.Equal(t, tag1, tag2)
}

func TestGetRetryIntegrityTagDiffersByVersion(t *testing.T) {
	origDestConnID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	retry := []byte("a fake retry packet up to the tag")

	tagV1 := GetRetryIntegrityTag(retry, origDestConnID, protocol.Version1)
	tagDraft29 := GetRetryIntegrityTag(retry, origDestConnID, protocol.VersionDraft29)
	require.NotEqual(t, tagV1, tagDraft29)
}

func TestGetRetryIntegrityTagDiffersByOrigDestConnID(t *testing.T) {
	retry := []byte("a fake retry packet up to the tag")
	tagA := GetRetryIntegrityTag(retry, protocol.ParseConnectionID([]byte{1, 2, 3, 4}), protocol.Version1)
	tagB := GetRetryIntegrityTag(retry, protocol.ParseConnectionID([]byte{5, 6, 7, 8}), protocol.Version1)
	require.NotEqual(t, tagA, tagB)
}
