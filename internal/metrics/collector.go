// Package metrics exposes Prometheus collectors for connection lifecycle,
// packet, and loss-detection events. It is deliberately a thin set of
// counters/histograms/gauges called directly from the root package's
// connection and packet packer, rather than a general event-tracing
// abstraction: this module has no logging.Tracer layer to hang one off of.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoq/nanoq/internal/protocol"
)

const namespace = "nanoq"

// Collector groups every metric this module exports. All methods are
// goroutine-safe, since the underlying Prometheus vectors are.
type Collector struct {
	connStarted  *prometheus.CounterVec
	connClosed   *prometheus.CounterVec
	connDuration *prometheus.HistogramVec
	handshakeDur *prometheus.HistogramVec

	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsLost     *prometheus.CounterVec
	bytesInFlight   *prometheus.GaugeVec
	smoothedRTT     *prometheus.GaugeVec
	congestionWnd   *prometheus.GaugeVec
	ptoCount        *prometheus.GaugeVec
}

// NewCollector registers every collector with the default Prometheus
// registerer.
func NewCollector() *Collector {
	return NewCollectorWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegisterer registers every collector with registerer.
// Registering the same Collector type twice against the same registerer is
// not an error: the second registration is silently skipped, matching how
// quic-go's own metrics package tolerates repeated NewTracer calls against
// the default registerer.
func NewCollectorWithRegisterer(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		connStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_started_total",
			Help:      "Connections started, by perspective.",
		}, []string{"perspective"}),
		connClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections closed, by perspective.",
		}, []string{"perspective"}),
		connDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of a connection from connection start to close.",
			Buckets:   prometheus.ExponentialBuckets(1.0/16, 2, 25),
		}, []string{"perspective"}),
		handshakeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from connection start to handshake completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 1.3, 35),
		}, []string{"perspective"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent, by encryption level.",
		}, []string{"encryption_level"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received, by encryption level.",
		}, []string{"encryption_level"}),
		packetsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_lost_total",
			Help:      "Packets declared lost, by reason.",
		}, []string{"reason"}),
		bytesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bytes_in_flight",
			Help:      "Current bytes in flight, by connection.",
		}, []string{"conn_id"}),
		smoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smoothed_rtt_seconds",
			Help:      "Current smoothed RTT estimate, by connection.",
		}, []string{"conn_id"}),
		congestionWnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window, by connection.",
		}, []string{"conn_id"}),
		ptoCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pto_count",
			Help:      "Current consecutive probe timeout count, by connection.",
		}, []string{"conn_id"}),
	}
	for _, col := range []prometheus.Collector{
		c.connStarted, c.connClosed, c.connDuration, c.handshakeDur,
		c.packetsSent, c.packetsReceived, c.packetsLost,
		c.bytesInFlight, c.smoothedRTT, c.congestionWnd, c.ptoCount,
	} {
		if err := registerer.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
	return c
}

func (c *Collector) ConnectionStarted(p protocol.Perspective) {
	c.connStarted.WithLabelValues(p.String()).Inc()
}

func (c *Collector) ConnectionClosed(p protocol.Perspective, lifetime time.Duration) {
	c.connClosed.WithLabelValues(p.String()).Inc()
	c.connDuration.WithLabelValues(p.String()).Observe(lifetime.Seconds())
}

func (c *Collector) HandshakeCompleted(p protocol.Perspective, d time.Duration) {
	c.handshakeDur.WithLabelValues(p.String()).Observe(d.Seconds())
}

func (c *Collector) PacketSent(level protocol.EncryptionLevel) {
	c.packetsSent.WithLabelValues(level.String()).Inc()
}

func (c *Collector) PacketReceived(level protocol.EncryptionLevel) {
	c.packetsReceived.WithLabelValues(level.String()).Inc()
}

func (c *Collector) PacketLost(reason string) {
	c.packetsLost.WithLabelValues(reason).Inc()
}

func (c *Collector) SetBytesInFlight(connID string, n protocol.ByteCount) {
	c.bytesInFlight.WithLabelValues(connID).Set(float64(n))
}

func (c *Collector) SetSmoothedRTT(connID string, d time.Duration) {
	c.smoothedRTT.WithLabelValues(connID).Set(d.Seconds())
}

func (c *Collector) SetCongestionWindow(connID string, n protocol.ByteCount) {
	c.congestionWnd.WithLabelValues(connID).Set(float64(n))
}

func (c *Collector) SetPTOCount(connID string, n int) {
	c.ptoCount.WithLabelValues(connID).Set(float64(n))
}

// RemoveConnection drops every per-connection gauge series for connID once
// the connection closes, so long-lived listeners don't accumulate
// unbounded label cardinality.
func (c *Collector) RemoveConnection(connID string) {
	c.bytesInFlight.DeleteLabelValues(connID)
	c.smoothedRTT.DeleteLabelValues(connID)
	c.congestionWnd.DeleteLabelValues(connID)
	c.ptoCount.DeleteLabelValues(connID)
}
