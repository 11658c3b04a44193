package ackhandler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/protocol"
)

func TestPacketNumberGeneratorSkipsAtMostOnce(t *testing.T) {
	g := newPacketNumberGenerator(0, 10)

	var skipped int
	var last protocol.PacketNumber = -1
	for i := 0; i < 1000; i++ {
		pn := g.Pop()
		require.Greater(t, pn, last)
		if pn != last+1 {
			skipped++
			require.Equal(t, last+2, pn, "a skip must only ever skip a single packet number")
		}
		last = pn
	}
	require.Greater(t, skipped, 0)
}

func TestPacketNumberGeneratorPeekMatchesPop(t *testing.T) {
	g := newPacketNumberGenerator(0, 1000)
	for i := 0; i < 10; i++ {
		peeked, _ := g.Peek()
		popped := g.Pop()
		require.Equal(t, peeked, popped)
	}
}
