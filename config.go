package nanoq

import (
	"time"

	"github.com/nanoq/nanoq/internal/metrics"
	"github.com/nanoq/nanoq/internal/protocol"
)

// Config configures a Dial or Listen endpoint. Mirrors the teacher's
// root-level Config: plain struct fields populated with documented
// defaults, no options pattern.
type Config struct {
	// Versions is the list of QUIC versions offered/accepted, most
	// preferred first. Defaults to protocol.SupportedVersions.
	Versions []protocol.Version

	// HandshakeTimeout is the deadline for completing the TLS handshake.
	HandshakeTimeout time.Duration

	// MaxIdleTimeout is advertised to the peer as max_idle_timeout, RFC
	// 9000 §10.1. Locally the connection timer is rearmed to this long
	// after every event-loop wakeup. Before the handshake completes, its
	// expiry closes the connection with a handshake timeout error; after
	// the handshake completes, its expiry only runs loss detection and
	// does not close the connection.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod, when non-zero, sends a PING often enough to keep
	// MaxIdleTimeout from firing on an otherwise quiet connection.
	KeepAlivePeriod time.Duration

	// InitialStreamReceiveWindow and MaxStreamReceiveWindow bound a
	// single stream's receive flow-control window before and after
	// auto-tuning.
	InitialStreamReceiveWindow protocol.ByteCount
	MaxStreamReceiveWindow     protocol.ByteCount

	// InitialConnReceiveWindow and MaxConnReceiveWindow bound the
	// connection-level receive flow-control window.
	InitialConnReceiveWindow protocol.ByteCount
	MaxConnReceiveWindow     protocol.ByteCount

	// MaxIncomingStreams and MaxIncomingUniStreams cap how many streams of
	// each kind the peer may open.
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64

	// StatelessResetKey, when set, derives stateless reset tokens
	// deterministically from a connection ID via HMAC instead of randomly,
	// RFC 9000 §10.3.1.
	StatelessResetKey *[32]byte

	// Metrics, when set, receives connection lifecycle, packet, and
	// loss-detection observations for every Conn built from this Config.
	// Left nil, no Collector method is ever called.
	Metrics *metrics.Collector
}

func (c *Config) clone() *Config {
	if c == nil {
		return populateConfig(nil)
	}
	cp := *c
	return populateConfig(&cp)
}

func populateConfig(c *Config) *Config {
	if c == nil {
		c = &Config{}
	}
	cp := *c
	if len(cp.Versions) == 0 {
		cp.Versions = []protocol.Version{protocol.Version1, protocol.VersionDraft29}
	}
	if cp.HandshakeTimeout == 0 {
		cp.HandshakeTimeout = 10 * time.Second
	}
	if cp.MaxIdleTimeout == 0 {
		cp.MaxIdleTimeout = protocol.DefaultMaxIdleTimeout
	}
	if cp.InitialStreamReceiveWindow == 0 {
		cp.InitialStreamReceiveWindow = protocol.DefaultInitialMaxStreamData
	}
	if cp.MaxStreamReceiveWindow == 0 {
		cp.MaxStreamReceiveWindow = 6 * protocol.DefaultInitialMaxStreamData
	}
	if cp.InitialConnReceiveWindow == 0 {
		cp.InitialConnReceiveWindow = protocol.DefaultInitialMaxData
	}
	if cp.MaxConnReceiveWindow == 0 {
		cp.MaxConnReceiveWindow = 6 * protocol.DefaultInitialMaxData
	}
	if cp.MaxIncomingStreams == 0 {
		cp.MaxIncomingStreams = protocol.DefaultInitialMaxStreamsBidi
	}
	if cp.MaxIncomingUniStreams == 0 {
		cp.MaxIncomingUniStreams = protocol.DefaultInitialMaxStreamsUni
	}
	return &cp
}
