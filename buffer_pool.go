package nanoq

import (
	"sync"

	"github.com/nanoq/nanoq/internal/protocol"
)

// packetBuffer is a pooled byte slice backing one or more coalesced QUIC
// packets. refCount tracks how many packets still reference Slice, so a
// buffer split across a coalesced Initial+Handshake datagram isn't recycled
// until every packet built from it has been sent.
type packetBuffer struct {
	Slice []byte

	refCount int
}

// Split increases the refCount when Slice backs more than one packet.
func (b *packetBuffer) Split() { b.refCount++ }

// Release decreases the refCount, returning the buffer to the pool once no
// packet still references it.
func (b *packetBuffer) Release() {
	if cap(b.Slice) != int(protocol.MaxPacketBufferSize) {
		panic("packetBuffer.Release called with a buffer of the wrong size")
	}
	b.refCount--
	if b.refCount < 0 {
		panic("negative packetBuffer refCount")
	}
	if b.refCount == 0 {
		bufferPool.Put(b)
	}
}

var bufferPool sync.Pool

func getPacketBuffer() *packetBuffer {
	buf := bufferPool.Get().(*packetBuffer)
	buf.refCount = 1
	buf.Slice = buf.Slice[:protocol.MaxPacketBufferSize]
	return buf
}

func init() {
	bufferPool.New = func() any {
		return &packetBuffer{Slice: make([]byte, 0, protocol.MaxPacketBufferSize)}
	}
}
