package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketNumberLengthForHeaderGrowsWithGap(t *testing.T) {
	require.Equal(t, PacketNumberLen1, PacketNumberLengthForHeader(10, 9))
	require.Equal(t, PacketNumberLen2, PacketNumberLengthForHeader(1000, 0))
	require.Equal(t, PacketNumberLen4, PacketNumberLengthForHeader(1<<25, 0))
}

func TestPacketNumberLengthForHeaderWithNoAckedPacketYet(t *testing.T) {
	require.Equal(t, PacketNumberLen1, PacketNumberLengthForHeader(0, InvalidPacketNumber))
}

func TestDecodePacketNumberRoundTripsAcrossWindow(t *testing.T) {
	cases := []struct {
		largest PacketNumber
		actual  PacketNumber
	}{
		{largest: 0, actual: 0},
		{largest: 100, actual: 101},
		{largest: 1000, actual: 1005},
		{largest: 1<<16 - 5, actual: 1 << 16},
		{largest: 1 << 20, actual: 1<<20 + 300},
	}
	for _, c := range cases {
		l := PacketNumberLengthForHeader(c.actual, c.largest)
		var mask PacketNumber = (1 << (8 * uint8(l))) - 1
		truncated := c.actual & mask
		got := DecodePacketNumber(l, c.largest, truncated)
		require.Equal(t, c.actual, got, "largest=%d actual=%d len=%d", c.largest, c.actual, l)
	}
}
