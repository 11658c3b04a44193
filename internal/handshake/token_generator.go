package handshake

import (
	"encoding/asn1"
	"fmt"
	"net"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
)

const (
	tokenPrefixIP byte = iota
	tokenPrefixString
)

// Token is the decoded payload of a Retry or NEW_TOKEN token: proof that the
// holder previously demonstrated ownership of RemoteAddr.
type Token struct {
	IsRetryToken             bool
	RemoteAddr               string
	SentTime                 time.Time
	OriginalDestConnectionID protocol.ConnectionID
	RetrySourceConnectionID  protocol.ConnectionID
}

// token is the ASN.1 wire representation of a Token.
type token struct {
	IsRetryToken             bool
	RemoteAddr               []byte
	Timestamp                int64
	OriginalDestConnectionID []byte
	RetrySourceConnectionID  []byte
}

// TokenGenerator issues and validates address-validation tokens carried in
// Retry packets and NEW_TOKEN frames.
type TokenGenerator struct {
	tokenProtector *tokenProtector
}

func NewTokenGenerator(key TokenProtectorKey) *TokenGenerator {
	return &TokenGenerator{tokenProtector: newTokenProtector(key)}
}

// NewRetryToken generates the token carried in a Retry packet, binding it to
// the original and retry source connection IDs so a later Initial can be
// matched back to this exchange, RFC 9000 §8.1.2.
func (g *TokenGenerator) NewRetryToken(raddr net.Addr, origDestConnID, retrySrcConnID protocol.ConnectionID) ([]byte, error) {
	data, err := asn1.Marshal(token{
		IsRetryToken:             true,
		RemoteAddr:               encodeRemoteAddr(raddr),
		OriginalDestConnectionID: origDestConnID.Bytes(),
		RetrySourceConnectionID:  retrySrcConnID.Bytes(),
		Timestamp:                time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return g.tokenProtector.NewToken(data)
}

// NewToken generates the token carried in a NEW_TOKEN frame, letting a
// future connection skip the Retry round trip, RFC 9000 §8.1.3.
func (g *TokenGenerator) NewToken(raddr net.Addr) ([]byte, error) {
	data, err := asn1.Marshal(token{
		RemoteAddr: encodeRemoteAddr(raddr),
		Timestamp:  time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return g.tokenProtector.NewToken(data)
}

// DecodeToken decodes and authenticates a token. A nil slice (no token sent)
// decodes to a nil Token with no error.
func (g *TokenGenerator) DecodeToken(encrypted []byte) (*Token, error) {
	if len(encrypted) == 0 {
		return nil, nil
	}
	data, err := g.tokenProtector.DecodeToken(encrypted)
	if err != nil {
		return nil, err
	}
	var t token
	rest, err := asn1.Unmarshal(data, &t)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("handshake: %d trailing bytes unpacking token", len(rest))
	}
	out := &Token{
		IsRetryToken: t.IsRetryToken,
		RemoteAddr:   decodeRemoteAddr(t.RemoteAddr),
		SentTime:     time.Unix(0, t.Timestamp),
	}
	if len(t.OriginalDestConnectionID) > 0 {
		out.OriginalDestConnectionID = protocol.ParseConnectionID(t.OriginalDestConnectionID)
	}
	if len(t.RetrySourceConnectionID) > 0 {
		out.RetrySourceConnectionID = protocol.ParseConnectionID(t.RetrySourceConnectionID)
	}
	return out, nil
}

// encodeRemoteAddr must round-trip to exactly what remoteAddr.String()
// produces, since the caller compares a decoded token's RemoteAddr against
// a later packet's raddr.String() byte for byte, RFC 9000 §8.1.
func encodeRemoteAddr(remoteAddr net.Addr) []byte {
	if udpAddr, ok := remoteAddr.(*net.UDPAddr); ok {
		b := []byte{tokenPrefixIP, byte(udpAddr.Port >> 8), byte(udpAddr.Port)}
		return append(b, udpAddr.IP...)
	}
	return append([]byte{tokenPrefixString}, []byte(remoteAddr.String())...)
}

func decodeRemoteAddr(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if data[0] == tokenPrefixIP {
		if len(data) < 3 {
			return ""
		}
		port := int(data[1])<<8 | int(data[2])
		return (&net.UDPAddr{IP: net.IP(data[3:]), Port: port}).String()
	}
	return string(data[1:])
}
