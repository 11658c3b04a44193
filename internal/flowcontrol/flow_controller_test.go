package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/utils"
)

func TestConnectionFlowControllerSendWindow(t *testing.T) {
	c := NewConnectionFlowController(1000, 10000, 500, &utils.RTTStats{})
	require.Equal(t, protocol.ByteCount(500), c.SendWindowSize())

	c.AddBytesSent(300)
	require.Equal(t, protocol.ByteCount(200), c.SendWindowSize())

	require.True(t, c.UpdateSendWindow(800))
	require.Equal(t, protocol.ByteCount(500), c.SendWindowSize())

	require.False(t, c.UpdateSendWindow(400), "a smaller offset must never shrink the window")
}

func TestConnectionFlowControllerBlocked(t *testing.T) {
	c := NewConnectionFlowController(1000, 10000, 100, &utils.RTTStats{})
	c.AddBytesSent(100)

	blocked, offset := c.IsNewlyBlocked()
	require.True(t, blocked)
	require.Equal(t, protocol.ByteCount(100), offset)

	blocked, _ = c.IsNewlyBlocked()
	require.False(t, blocked, "the same blocked offset must only be reported once")

	c.UpdateSendWindow(200)
	c.AddBytesSent(100)
	blocked, offset = c.IsNewlyBlocked()
	require.True(t, blocked)
	require.Equal(t, protocol.ByteCount(200), offset)
}

func TestConnectionFlowControllerReceiveWindowUpdate(t *testing.T) {
	c := NewConnectionFlowController(100, 1000, 0, &utils.RTTStats{})
	require.NoError(t, c.IncrementHighestReceived(50))
	require.Zero(t, c.GetWindowUpdate(), "consuming under the threshold shouldn't trigger an update yet")

	c.AddBytesRead(90)
	require.Equal(t, protocol.ByteCount(190), c.GetWindowUpdate())
}

func TestConnectionFlowControllerViolation(t *testing.T) {
	c := NewConnectionFlowController(100, 1000, 0, &utils.RTTStats{})
	require.NoError(t, c.IncrementHighestReceived(100))
	require.Error(t, c.IncrementHighestReceived(1))
}

func TestStreamFlowControllerCreditsConnection(t *testing.T) {
	conn := NewConnectionFlowController(1000, 10000, 0, &utils.RTTStats{})
	s := NewStreamFlowController(4, conn, 500, 5000, 0, &utils.RTTStats{})

	require.NoError(t, s.UpdateHighestReceived(200, false))
	require.NoError(t, s.UpdateHighestReceived(200, false), "repeating the same offset must be a no-op")

	// a later, larger connection-level controller update should now see the
	// stream's 200 bytes already accounted for.
	require.Error(t, conn.IncrementHighestReceived(1000))
}

func TestStreamFlowControllerRejectsShrinkingFinalSize(t *testing.T) {
	conn := NewConnectionFlowController(1000, 10000, 0, &utils.RTTStats{})
	s := NewStreamFlowController(4, conn, 500, 5000, 0, &utils.RTTStats{})

	require.NoError(t, s.UpdateHighestReceived(300, false))
	require.Error(t, s.UpdateHighestReceived(100, true))
}

func TestStreamFlowControllerAddBytesReadCreditsConnection(t *testing.T) {
	conn := NewConnectionFlowController(100, 1000, 0, &utils.RTTStats{})
	s := NewStreamFlowController(4, conn, 100, 1000, 0, &utils.RTTStats{})

	s.AddBytesRead(90)
	require.NotZero(t, conn.GetWindowUpdate())
}
