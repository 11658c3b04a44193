// Package ackhandler tracks the packets a connection has sent and received:
// the sent side runs RFC 9002 loss detection and congestion control and
// decides when a probe is owed, the received side decides when an ACK is
// owed and builds the frame for it.
package ackhandler

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// NewAckHandler builds the sent- and received-packet handler pair for one
// connection, sharing the same RTT estimator.
func NewAckHandler(initialPN protocol.PacketNumber, initialMaxDatagramSize protocol.ByteCount, rttStats *utils.RTTStats, pers protocol.Perspective, logger utils.Logger) (SentPacketHandler, ReceivedPacketHandler) {
	return NewSentPacketHandler(initialPN, initialMaxDatagramSize, rttStats, pers, logger),
		NewReceivedPacketHandler(rttStats, logger)
}
