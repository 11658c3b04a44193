package wire

import (
	"fmt"

	"github.com/nanoq/nanoq/internal/protocol"
	"github.com/nanoq/nanoq/quicvarint"
)

// FrameParser parses frames out of a decrypted packet payload, skipping
// PADDING and reusing an internal AckFrame buffer across calls.
type FrameParser struct {
	ackDelayExponent uint8
	ackFrame         AckFrame
}

func NewFrameParser() *FrameParser {
	return &FrameParser{ackDelayExponent: protocol.DefaultAckDelayExponent}
}

func (p *FrameParser) SetAckDelayExponent(exp uint8) { p.ackDelayExponent = exp }

// ParseNext parses the first frame in b, returning the frame and the number
// of bytes consumed. A nil frame with a nil error means b was empty or began
// with a run of PADDING, which the returned count skips; frames may still
// follow it, so callers keep parsing from there.
func (p *FrameParser) ParseNext(b []byte, encLevel protocol.EncryptionLevel) (Frame, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}
	typ, n, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: invalid frame type: %w", err)
	}
	frameType := FrameType(typ)
	if !frameType.IsAllowedAtEncLevel(encLevel) {
		return nil, 0, fmt.Errorf("wire: frame type %s not allowed at %s", frameType, encLevel)
	}

	body := b[n:]
	var (
		f        Frame
		consumed int
		perr     error
	)
	switch frameType {
	case PaddingFrameType:
		i := 0
		for i < len(body) && body[i] == 0 {
			i++
		}
		return nil, n + i, nil
	case PingFrameType:
		f, consumed, perr = &PingFrame{}, 0, nil
	case AckFrameType, AckECNFrameType:
		p.ackFrame.Reset()
		c, err := ParseAckFrame(&p.ackFrame, body, frameType, p.ackDelayExponent)
		if err != nil {
			return nil, 0, err
		}
		ack := p.ackFrame
		return &ack, n + c, nil
	case ResetStreamFrameType:
		f, consumed, perr = parseResetStreamFrame(body)
	case StopSendingFrameType:
		f, consumed, perr = parseStopSendingFrame(body)
	case CryptoFrameType:
		f, consumed, perr = parseCryptoFrame(body)
	case NewTokenFrameType:
		f, consumed, perr = parseNewTokenFrame(body)
	case MaxDataFrameType:
		f, consumed, perr = parseMaxDataFrame(body)
	case MaxStreamDataFrameType:
		f, consumed, perr = parseMaxStreamDataFrame(body)
	case BidiMaxStreamsFrameType, UniMaxStreamsFrameType:
		f, consumed, perr = parseMaxStreamsFrame(body, frameType)
	case DataBlockedFrameType:
		f, consumed, perr = parseDataBlockedFrame(body)
	case StreamDataBlockedType:
		f, consumed, perr = parseStreamDataBlockedFrame(body)
	case BidiStreamBlockedType, UniStreamBlockedType:
		f, consumed, perr = parseStreamsBlockedFrame(body, frameType)
	case NewConnectionIDType:
		f, consumed, perr = parseNewConnectionIDFrame(body)
	case RetireConnectionIDType:
		f, consumed, perr = parseRetireConnectionIDFrame(body)
	case PathChallengeFrameType:
		f, consumed, perr = parsePathChallengeFrame(body)
	case PathResponseFrameType:
		f, consumed, perr = parsePathResponseFrame(body)
	case ConnectionCloseFrameType, ApplicationCloseType:
		f, consumed, perr = parseConnectionCloseFrame(body, frameType)
	case HandshakeDoneFrameType:
		f, consumed, perr = &HandshakeDoneFrame{}, 0, nil
	default:
		if frameType.IsStreamFrameType() {
			f, consumed, perr = parseStreamFrame(body, frameType)
			break
		}
		return nil, 0, fmt.Errorf("wire: unknown frame type 0x%x", uint64(frameType))
	}
	if perr != nil {
		return nil, 0, perr
	}
	return f, n + consumed, nil
}
