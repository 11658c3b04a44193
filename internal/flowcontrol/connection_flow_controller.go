package flowcontrol

import (
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// connectionFlowController is the whole-connection send/receive window,
// RFC 9000 §4.1. Unlike a stream controller it has no single owning
// offset: IncrementHighestReceived accumulates bytes as every stream
// reports data it has seen, since STREAM frames from different streams
// interleave arbitrarily on the wire.
type connectionFlowController struct {
	baseFlowController
}

// NewConnectionFlowController builds the connection-level flow controller.
func NewConnectionFlowController(receiveWindow, maxReceiveWindow, initialSendWindow protocol.ByteCount, rttStats *utils.RTTStats) ConnectionFlowController {
	return &connectionFlowController{
		baseFlowController: baseFlowController{
			rttStats:                  rttStats,
			receiveWindow:             receiveWindow,
			receiveWindowIncrement:    receiveWindow,
			maxReceiveWindowIncrement: maxReceiveWindow,
			sendWindow:                initialSendWindow,
		},
	}
}

func (c *connectionFlowController) IncrementHighestReceived(increment protocol.ByteCount) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.highestReceived += increment
	if c.checkFlowControlViolation() {
		return errConnectionFlowControlViolation(c.highestReceived, c.receiveWindow)
	}
	return nil
}

// UpdateHighestReceived is unused on the connection controller: its
// highest-received mark only moves via IncrementHighestReceived, fed by
// each stream's reported deltas.
func (c *connectionFlowController) UpdateHighestReceived(protocol.ByteCount, bool) error { return nil }

func (c *connectionFlowController) GetWindowUpdate() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.getWindowUpdate()
}

// EnsureMinimumWindowIncrement raises the connection-level window increment
// to at least inc, called when a stream's own window grows so the
// connection-level window can keep up, RFC 9000 §4.1.
func (c *connectionFlowController) EnsureMinimumWindowIncrement(inc protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if inc > c.receiveWindowIncrement {
		c.receiveWindowIncrement = utils.MinByteCount(inc, c.maxReceiveWindowIncrement)
		// disable auto-tuning until the next update, mirroring the stream
		// controller's own threshold logic
		c.lastWindowUpdateTime = time.Time{}
	}
}

var _ ConnectionFlowController = &connectionFlowController{}
