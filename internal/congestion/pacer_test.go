package congestion

import (
	"testing"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestPacerUnlimitedWhenBandwidthUnknown(t *testing.T) {
	p := newPacer(func() Bandwidth { return 0 })
	require.True(t, p.TimeUntilSend().IsZero())
}

func TestPacerBudgetGrowsThenDrainsOnSend(t *testing.T) {
	bw := Bandwidth(100 * 1000 * 8) // 100 KB/s in bits/s
	p := newPacer(func() Bandwidth { return bw })

	now := time.Now()
	before := p.Budget(now)
	p.SentPacket(now, protocol.MaxDatagramSize)
	after := p.Budget(now)
	require.LessOrEqual(t, after, before)
}

func TestPacerBurstIsAtLeastOneDatagram(t *testing.T) {
	p := newPacer(func() Bandwidth { return 1 })
	require.GreaterOrEqual(t, p.burst(), int(protocol.MaxDatagramSize))
}
