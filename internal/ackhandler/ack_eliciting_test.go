package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/wire"
)

func TestIsFrameAckEliciting(t *testing.T) {
	require.False(t, IsFrameAckEliciting(&wire.AckFrame{}))
	require.False(t, IsFrameAckEliciting(&wire.ConnectionCloseFrame{}))
	require.True(t, IsFrameAckEliciting(&wire.PingFrame{}))
	require.True(t, IsFrameAckEliciting(&wire.StreamFrame{}))
}

func TestHasAckElicitingFrames(t *testing.T) {
	require.False(t, HasAckElicitingFrames([]wire.Frame{&wire.AckFrame{}}))
	require.True(t, HasAckElicitingFrames([]wire.Frame{&wire.AckFrame{}, &wire.PingFrame{}}))
	require.False(t, HasAckElicitingFrames(nil))
}
