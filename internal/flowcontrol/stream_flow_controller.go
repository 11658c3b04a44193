package flowcontrol

import (
	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// streamFlowController is one stream's send/receive window. When connection
// is non-nil, bytes it receives and reads are also reported to that
// connection-level controller.
type streamFlowController struct {
	baseFlowController

	streamID   protocol.StreamID
	connection ConnectionFlowController
}

// NewStreamFlowController builds a per-stream flow controller that reports
// its reads to conn, the connection-level controller.
func NewStreamFlowController(streamID protocol.StreamID, conn ConnectionFlowController, receiveWindow, maxReceiveWindow, initialSendWindow protocol.ByteCount, rttStats *utils.RTTStats) StreamFlowController {
	return &streamFlowController{
		streamID:   streamID,
		connection: conn,
		baseFlowController: baseFlowController{
			rttStats:                  rttStats,
			receiveWindow:             receiveWindow,
			receiveWindowIncrement:    receiveWindow,
			maxReceiveWindowIncrement: maxReceiveWindow,
			sendWindow:                initialSendWindow,
		},
	}
}

func (c *streamFlowController) UpdateHighestReceived(byteOffset protocol.ByteCount, final bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	increment := byteOffset - c.highestReceived
	if err := c.updateHighestReceived(byteOffset, final); err != nil {
		return err
	}
	if increment <= 0 {
		return nil
	}
	if c.connection != nil {
		if err := c.connection.IncrementHighestReceived(increment); err != nil {
			return err
		}
	}
	if c.checkFlowControlViolation() {
		return errFlowControlViolation(c.streamID, c.highestReceived, c.receiveWindow)
	}
	return nil
}

func (c *streamFlowController) AddBytesRead(n protocol.ByteCount) {
	c.baseFlowController.AddBytesRead(n)
	if c.connection != nil {
		c.connection.AddBytesRead(n)
	}
}

func (c *streamFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	oldIncrement := c.receiveWindowIncrement
	offset := c.getWindowUpdate()
	if offset == 0 {
		return 0
	}
	if c.connection != nil && c.receiveWindowIncrement > oldIncrement {
		c.connection.EnsureMinimumWindowIncrement(protocol.ByteCount(float64(c.receiveWindowIncrement) / windowUpdateThreshold))
	}
	return offset
}

// Abandon is a no-op for a stream controller: unlike quic-go's connection
// controller, credit given to a stream is never reclaimed mid-connection,
// only accounted for as already-consumed once the stream's final size is
// known.
func (c *streamFlowController) Abandon() {}

var _ StreamFlowController = &streamFlowController{}
