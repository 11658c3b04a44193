package flowcontrol

import (
	"errors"
	"sync"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

// ErrReceivedSmallerByteOffset is returned when a stream's final size is
// reported smaller than data already seen for it, RFC 9000 §4.5.
var ErrReceivedSmallerByteOffset = errors.New("flowcontrol: received a final size smaller than the highest offset already seen")

type baseFlowController struct {
	mutex sync.Mutex

	rttStats *utils.RTTStats

	bytesSent  protocol.ByteCount
	sendWindow protocol.ByteCount

	lastBlockedAt protocol.ByteCount

	lastWindowUpdateTime time.Time

	bytesRead                 protocol.ByteCount
	highestReceived           protocol.ByteCount
	receiveWindow             protocol.ByteCount
	receiveWindowIncrement    protocol.ByteCount
	maxReceiveWindowIncrement protocol.ByteCount
}

func (c *baseFlowController) AddBytesSent(n protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bytesSent += n
}

func (c *baseFlowController) UpdateSendWindow(offset protocol.ByteCount) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if offset <= c.sendWindow {
		return false
	}
	c.sendWindow = offset
	return true
}

func (c *baseFlowController) SendWindowSize() protocol.ByteCount {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.sendWindowSize()
}

// sendWindowSize must be called with the mutex held.
func (c *baseFlowController) sendWindowSize() protocol.ByteCount {
	if c.bytesSent > c.sendWindow {
		return 0
	}
	return c.sendWindow - c.bytesSent
}

// IsNewlyBlocked reports block state only once per sendWindow value, so a
// caller queuing DATA_BLOCKED/STREAM_DATA_BLOCKED frames doesn't resend the
// same one every time it checks.
func (c *baseFlowController) IsNewlyBlocked() (bool, protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.sendWindowSize() != 0 {
		return false, 0
	}
	if c.sendWindow == c.lastBlockedAt {
		return false, 0
	}
	c.lastBlockedAt = c.sendWindow
	return true, c.sendWindow
}

func (c *baseFlowController) AddBytesRead(n protocol.ByteCount) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.bytesRead == 0 {
		c.lastWindowUpdateTime = time.Now()
	}
	c.bytesRead += n
}

func (c *baseFlowController) updateHighestReceived(byteOffset protocol.ByteCount, final bool) error {
	if byteOffset == c.highestReceived {
		return nil
	}
	if byteOffset < c.highestReceived {
		if final {
			return ErrReceivedSmallerByteOffset
		}
		return nil
	}
	c.highestReceived = byteOffset
	return nil
}

// getWindowUpdate returns the new receive window offset, or 0 if no update
// is due yet: RFC 9000 §4.1, auto-tuned per the teacher's threshold scheme.
func (c *baseFlowController) getWindowUpdate() protocol.ByteCount {
	bytesRemaining := c.receiveWindow - c.bytesRead
	threshold := protocol.ByteCount(float64(c.receiveWindowIncrement) * windowUpdateThreshold)
	if bytesRemaining >= threshold {
		return 0
	}
	c.maybeAdjustWindowIncrement()
	c.receiveWindow = c.bytesRead + c.receiveWindowIncrement
	c.lastWindowUpdateTime = time.Now()
	return c.receiveWindow
}

// maybeAdjustWindowIncrement doubles the window increment (up to the
// configured max) when updates are happening faster than every 2 RTTs,
// i.e. the peer is consistently about to stall on flow control.
func (c *baseFlowController) maybeAdjustWindowIncrement() {
	if c.lastWindowUpdateTime.IsZero() || c.rttStats == nil {
		return
	}
	rtt := c.rttStats.SmoothedRTT()
	if rtt == 0 {
		return
	}
	if time.Since(c.lastWindowUpdateTime) >= 2*rtt {
		return
	}
	c.receiveWindowIncrement = utils.MinByteCount(2*c.receiveWindowIncrement, c.maxReceiveWindowIncrement)
}

func (c *baseFlowController) checkFlowControlViolation() bool {
	return c.highestReceived > c.receiveWindow
}
