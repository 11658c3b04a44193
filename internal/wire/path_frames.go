package wire

import "github.com/nanoq/nanoq/internal/protocol"

// PathChallengeFrame checks reachability of a peer at a new path, or can be
// used to keep a connection alive, RFC 9000 §19.17.
type PathChallengeFrame struct {
	Data [8]byte
}

func parsePathChallengeFrame(b []byte) (*PathChallengeFrame, int, error) {
	if len(b) < 8 {
		return nil, 0, errNotEnoughData
	}
	f := &PathChallengeFrame{}
	copy(f.Data[:], b[:8])
	return f, 8, nil
}

func (f *PathChallengeFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(PathChallengeFrameType))
	return append(b, f.Data[:]...), nil
}

func (f *PathChallengeFrame) Length(protocol.Version) protocol.ByteCount { return 1 + 8 }

// PathResponseFrame answers a PathChallengeFrame, echoing its data,
// RFC 9000 §19.18.
type PathResponseFrame struct {
	Data [8]byte
}

func parsePathResponseFrame(b []byte) (*PathResponseFrame, int, error) {
	if len(b) < 8 {
		return nil, 0, errNotEnoughData
	}
	f := &PathResponseFrame{}
	copy(f.Data[:], b[:8])
	return f, 8, nil
}

func (f *PathResponseFrame) Append(b []byte, _ protocol.Version) ([]byte, error) {
	b = append(b, byte(PathResponseFrameType))
	return append(b, f.Data[:]...), nil
}

func (f *PathResponseFrame) Length(protocol.Version) protocol.ByteCount { return 1 + 8 }
