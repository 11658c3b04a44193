package utils

import (
	"math"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
)

// InfDuration represents an infinite timeout: "do not fire".
const InfDuration = time.Duration(math.MaxInt64)

func MaxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func MinDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func MaxByteCount(a, b protocol.ByteCount) protocol.ByteCount {
	if a > b {
		return a
	}
	return b
}

func MinByteCount(a, b protocol.ByteCount) protocol.ByteCount {
	if a < b {
		return a
	}
	return b
}
