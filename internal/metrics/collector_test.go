package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/nanoq/nanoq/internal/protocol"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestCollectorConnectionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.ConnectionStarted(protocol.PerspectiveClient)
	c.ConnectionStarted(protocol.PerspectiveClient)
	require.Equal(t, 2.0, counterValue(t, c.connStarted.WithLabelValues("client")))

	c.ConnectionClosed(protocol.PerspectiveClient, 2*time.Second)
	require.Equal(t, 1.0, counterValue(t, c.connClosed.WithLabelValues("client")))
}

func TestCollectorCanRegisterTwiceWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		NewCollectorWithRegisterer(reg)
		NewCollectorWithRegisterer(reg)
	})
}

func TestCollectorPerConnectionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegisterer(reg)

	c.SetBytesInFlight("conn-1", 4096)
	require.Equal(t, 4096.0, gaugeValue(t, c.bytesInFlight.WithLabelValues("conn-1")))

	c.SetSmoothedRTT("conn-1", 50*time.Millisecond)
	require.InDelta(t, 0.05, gaugeValue(t, c.smoothedRTT.WithLabelValues("conn-1")), 0.0001)

	c.RemoveConnection("conn-1")
	require.Equal(t, 0.0, gaugeValue(t, c.bytesInFlight.WithLabelValues("conn-1")), "deleted series reports zero on re-creation")
}
