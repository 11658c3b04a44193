package wire

import "errors"

var (
	errNotEnoughData      = errors.New("wire: not enough data to parse frame")
	ErrInvalidReservedBits = errors.New("wire: invalid reserved bits")
)
