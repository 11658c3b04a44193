package handshake

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// CryptoHandler drives the TLS handshake for a single connection side: it
// consumes CRYPTO frame bytes, hands back keys for each encryption level,
// and exposes the framing bytes the caller must put on the wire.
type CryptoHandler interface {
	StartHandshake(ctx context.Context) error
	HandleMessage(data []byte, level protocol.EncryptionLevel) error
	Drive() ([]Event, error)

	GetInitialSealer() LongHeaderSealer
	GetInitialOpener() LongHeaderOpener
	GetHandshakeSealer() (LongHeaderSealer, error)
	GetHandshakeOpener() (LongHeaderOpener, error)
	Get1RTTSealer() (ShortHeaderSealer, error)
	Get1RTTOpener() (ShortHeaderOpener, error)

	DropInitialKeys()
	DropHandshakeKeys()
	SetHandshakeConfirmed()

	HandshakeComplete() bool
	ConnectionState() tls.ConnectionState
	PeerTransportParameters(ctx context.Context, poll time.Duration) (*wire.TransportParameters, error)
}

var _ CryptoHandler = (*CryptoSetup)(nil)
