package nanoq

import (
	"fmt"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/internal/wire"
)

// cryptoDataHandler is the slice of handshake.CryptoHandler this manager
// needs: feeding it reassembled handshake bytes for one encryption level.
type cryptoDataHandler interface {
	HandleMessage(data []byte, level protocol.EncryptionLevel) error
}

// cryptoStreamManager routes CRYPTO frames to the Initial/Handshake-level
// stream they belong to and feeds reassembled handshake bytes into the TLS
// driver. 1-RTT never carries CRYPTO frames in this module's scope (no
// post-handshake message support), so there is no third stream here.
type cryptoStreamManager struct {
	cryptoHandler cryptoDataHandler

	initialStream   cryptoStream
	handshakeStream cryptoStream
}

func newCryptoStreamManager(cryptoHandler cryptoDataHandler, initialStream, handshakeStream cryptoStream) *cryptoStreamManager {
	return &cryptoStreamManager{
		cryptoHandler:   cryptoHandler,
		initialStream:   initialStream,
		handshakeStream: handshakeStream,
	}
}

func (m *cryptoStreamManager) HandleCryptoFrame(frame *wire.CryptoFrame, encLevel protocol.EncryptionLevel) error {
	var str cryptoStream
	switch encLevel {
	case protocol.EncryptionInitial:
		str = m.initialStream
	case protocol.EncryptionHandshake:
		str = m.handshakeStream
	default:
		return fmt.Errorf("received CRYPTO frame at unexpected encryption level: %s", encLevel)
	}
	if err := str.HandleCryptoFrame(frame); err != nil {
		return err
	}
	for {
		data := str.GetCryptoData()
		if data == nil {
			return nil
		}
		if err := m.cryptoHandler.HandleMessage(data, encLevel); err != nil {
			return err
		}
	}
}

// streamFor returns the CRYPTO stream for encLevel, used by the packet
// packer to check for and pop outgoing handshake data at a given level.
func (m *cryptoStreamManager) streamFor(encLevel protocol.EncryptionLevel) (cryptoStream, error) {
	switch encLevel {
	case protocol.EncryptionInitial:
		return m.initialStream, nil
	case protocol.EncryptionHandshake:
		return m.handshakeStream, nil
	default:
		return nil, fmt.Errorf("no crypto stream for encryption level: %s", encLevel)
	}
}
