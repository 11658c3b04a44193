package congestion

import "github.com/nanoq/nanoq/internal/protocol"

// connectionStats tracks loss counters from the slow-start phase, useful for
// deciding whether slow start overshot the path's capacity.
type connectionStats struct {
	slowstartPacketsLost protocol.PacketNumber
	slowstartBytesLost   protocol.ByteCount
}
