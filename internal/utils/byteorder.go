package utils

import (
	"encoding/binary"
	"io"
)

// BigEndian mirrors the subset of encoding/binary.BigEndian this module
// needs when reading directly off a bytes.Reader while parsing packet
// headers (QUIC is big-endian on the wire, RFC 9000 §1.3).
var BigEndian bigEndian

type bigEndian struct{}

func (bigEndian) ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (bigEndian) ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (bigEndian) ReadUint24(r io.Reader) (uint32, error) {
	var b [3]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (bigEndian) Uint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func (bigEndian) Uint24(b []byte) uint32 { return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]) }
func (bigEndian) Uint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func (bigEndian) PutUint16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func (bigEndian) PutUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
func (bigEndian) PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
