package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

type transportParameterID uint64

// RFC 9000 §18.2.
const (
	originalDestinationConnectionIDParameterID transportParameterID = 0x00
	maxIdleTimeoutParameterID                  transportParameterID = 0x01
	statelessResetTokenParameterID              transportParameterID = 0x02
	maxUDPPayloadSizeParameterID                transportParameterID = 0x03
	initialMaxDataParameterID                   transportParameterID = 0x04
	initialMaxStreamDataBidiLocalParameterID    transportParameterID = 0x05
	initialMaxStreamDataBidiRemoteParameterID   transportParameterID = 0x06
	initialMaxStreamDataUniParameterID          transportParameterID = 0x07
	initialMaxStreamsBidiParameterID             transportParameterID = 0x08
	initialMaxStreamsUniParameterID              transportParameterID = 0x09
	ackDelayExponentParameterID                  transportParameterID = 0x0a
	maxAckDelayParameterID                       transportParameterID = 0x0b
	disableActiveMigrationParameterID            transportParameterID = 0x0c
	activeConnectionIDLimitParameterID           transportParameterID = 0x0e
	initialSourceConnectionIDParameterID         transportParameterID = 0x0f
	retrySourceConnectionIDParameterID           transportParameterID = 0x10
)

// TransportParameters are the connection-level settings exchanged in the
// TLS handshake, RFC 9000 §18.
type TransportParameters struct {
	InitialMaxStreamDataBidiLocal  protocol.ByteCount
	InitialMaxStreamDataBidiRemote protocol.ByteCount
	InitialMaxStreamDataUni        protocol.ByteCount
	InitialMaxData                 protocol.ByteCount

	InitialMaxStreamsBidi int64
	InitialMaxStreamsUni  int64

	MaxAckDelay      time.Duration
	AckDelayExponent uint8

	DisableActiveMigration bool

	MaxUDPPayloadSize protocol.ByteCount
	MaxIdleTimeout    time.Duration

	StatelessResetToken          *protocol.StatelessResetToken
	OriginalDestinationConnectionID protocol.ConnectionID
	InitialSourceConnectionID       protocol.ConnectionID
	RetrySourceConnectionID         *protocol.ConnectionID

	ActiveConnectionIDLimit uint64
}

// Marshal encodes the transport parameters for sending in the TLS
// ClientHello/EncryptedExtensions quic_transport_parameters extension.
func (p *TransportParameters) Marshal(pers protocol.Perspective) []byte {
	var b []byte
	b = appendVarintParam(b, initialMaxStreamDataBidiLocalParameterID, uint64(p.InitialMaxStreamDataBidiLocal))
	b = appendVarintParam(b, initialMaxStreamDataBidiRemoteParameterID, uint64(p.InitialMaxStreamDataBidiRemote))
	b = appendVarintParam(b, initialMaxStreamDataUniParameterID, uint64(p.InitialMaxStreamDataUni))
	b = appendVarintParam(b, initialMaxDataParameterID, uint64(p.InitialMaxData))
	b = appendVarintParam(b, initialMaxStreamsBidiParameterID, uint64(p.InitialMaxStreamsBidi))
	b = appendVarintParam(b, initialMaxStreamsUniParameterID, uint64(p.InitialMaxStreamsUni))
	if p.AckDelayExponent != protocol.DefaultAckDelayExponent {
		b = appendVarintParam(b, ackDelayExponentParameterID, uint64(p.AckDelayExponent))
	}
	if p.MaxAckDelay != protocol.DefaultMaxAckDelay {
		b = appendVarintParam(b, maxAckDelayParameterID, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.MaxUDPPayloadSize != 0 {
		b = appendVarintParam(b, maxUDPPayloadSizeParameterID, uint64(p.MaxUDPPayloadSize))
	}
	b = appendVarintParam(b, maxIdleTimeoutParameterID, uint64(p.MaxIdleTimeout/time.Millisecond))
	b = appendVarintParam(b, activeConnectionIDLimitParameterID, p.ActiveConnectionIDLimit)
	if p.DisableActiveMigration {
		b = appendRawParam(b, disableActiveMigrationParameterID, nil)
	}
	b = appendRawParam(b, initialSourceConnectionIDParameterID, p.InitialSourceConnectionID.Bytes())
	if pers == protocol.PerspectiveServer {
		if p.OriginalDestinationConnectionID.Len() > 0 {
			b = appendRawParam(b, originalDestinationConnectionIDParameterID, p.OriginalDestinationConnectionID.Bytes())
		}
		if p.StatelessResetToken != nil {
			b = appendRawParam(b, statelessResetTokenParameterID, p.StatelessResetToken[:])
		}
		if p.RetrySourceConnectionID != nil {
			b = appendRawParam(b, retrySourceConnectionIDParameterID, p.RetrySourceConnectionID.Bytes())
		}
	}
	return b
}

func appendVarintParam(b []byte, id transportParameterID, v uint64) []byte {
	return appendRawParam(b, id, quicvarint.Append(nil, v))
}

func appendRawParam(b []byte, id transportParameterID, value []byte) []byte {
	b = quicvarint.Append(b, uint64(id))
	b = quicvarint.Append(b, uint64(len(value)))
	return append(b, value...)
}

// Unmarshal decodes transport parameters sent by sentBy, applying the
// invariant checks of RFC 9000 §18.1-18.2 (e.g. a client may never send
// original_destination_connection_id).
func (p *TransportParameters) Unmarshal(data []byte, sentBy protocol.Perspective) error {
	r := bytes.NewReader(data)
	seen := make(map[transportParameterID]bool)
	for r.Len() > 0 {
		idv, err := quicvarint.Read(r)
		if err != nil {
			return fmt.Errorf("wire: invalid transport parameter id: %w", err)
		}
		id := transportParameterID(idv)
		length, err := quicvarint.Read(r)
		if err != nil {
			return fmt.Errorf("wire: invalid transport parameter length: %w", err)
		}
		if seen[id] {
			return fmt.Errorf("wire: transport parameter %#x sent more than once", id)
		}
		seen[id] = true
		if uint64(r.Len()) < length {
			return fmt.Errorf("wire: transport parameter %#x: not enough data", id)
		}
		value := make([]byte, length)
		if _, err := r.Read(value); err != nil {
			return err
		}

		switch id {
		case originalDestinationConnectionIDParameterID:
			if sentBy == protocol.PerspectiveClient {
				return fmt.Errorf("wire: client sent original_destination_connection_id")
			}
			p.OriginalDestinationConnectionID = protocol.ParseConnectionID(value)
		case initialSourceConnectionIDParameterID:
			p.InitialSourceConnectionID = protocol.ParseConnectionID(value)
		case retrySourceConnectionIDParameterID:
			if sentBy == protocol.PerspectiveClient {
				return fmt.Errorf("wire: client sent retry_source_connection_id")
			}
			cid := protocol.ParseConnectionID(value)
			p.RetrySourceConnectionID = &cid
		case statelessResetTokenParameterID:
			if sentBy == protocol.PerspectiveClient {
				return fmt.Errorf("wire: client sent stateless_reset_token")
			}
			if len(value) != protocol.ConnectionIDTokenLen {
				return fmt.Errorf("wire: invalid stateless_reset_token length")
			}
			var tok protocol.StatelessResetToken
			copy(tok[:], value)
			p.StatelessResetToken = &tok
		case disableActiveMigrationParameterID:
			p.DisableActiveMigration = true
		case initialMaxDataParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxData = protocol.ByteCount(v)
		case initialMaxStreamDataBidiLocalParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxStreamDataBidiLocal = protocol.ByteCount(v)
		case initialMaxStreamDataBidiRemoteParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxStreamDataBidiRemote = protocol.ByteCount(v)
		case initialMaxStreamDataUniParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxStreamDataUni = protocol.ByteCount(v)
		case initialMaxStreamsBidiParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxStreamsBidi = int64(v)
		case initialMaxStreamsUniParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.InitialMaxStreamsUni = int64(v)
		case ackDelayExponentParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			if v > protocol.MaxAckDelayExponent {
				return fmt.Errorf("wire: invalid ack_delay_exponent: %d", v)
			}
			p.AckDelayExponent = uint8(v)
		case maxAckDelayParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			d := time.Duration(v) * time.Millisecond
			if d > protocol.MaxAckDelay {
				return fmt.Errorf("wire: invalid max_ack_delay: %s", d)
			}
			p.MaxAckDelay = d
		case maxUDPPayloadSizeParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			if v < 1200 {
				return fmt.Errorf("wire: invalid max_udp_payload_size: %d", v)
			}
			p.MaxUDPPayloadSize = protocol.ByteCount(v)
		case maxIdleTimeoutParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case activeConnectionIDLimitParameterID:
			v, _, err := quicvarint.Parse(value)
			if err != nil {
				return err
			}
			if v < 2 {
				return fmt.Errorf("wire: invalid active_connection_id_limit: %d", v)
			}
			p.ActiveConnectionIDLimit = v
		}
	}
	if p.AckDelayExponent == 0 {
		p.AckDelayExponent = protocol.DefaultAckDelayExponent
	}
	if p.MaxAckDelay == 0 {
		p.MaxAckDelay = protocol.DefaultMaxAckDelay
	}
	if p.ActiveConnectionIDLimit == 0 {
		p.ActiveConnectionIDLimit = protocol.DefaultActiveConnectionIDLimit
	}
	return nil
}
