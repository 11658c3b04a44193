package nanoq

import (
	"sort"

	"github.com/nanoq/nanoq/internal/protocol"
)

// frameSorter reassembles a byte stream from out-of-order, possibly
// overlapping chunks carried in STREAM or CRYPTO frames. There is no
// implementation of this in the retrieval pack (only its test file
// survived), so this is built directly against RFC 9000 §2.2's reassembly
// requirements: gaps block delivery, overlaps are trimmed, duplicates are
// dropped.
type frameSorter struct {
	queue      []sortedChunk
	readOffset protocol.ByteCount
	gotFin     bool
	finOffset  protocol.ByteCount
}

type sortedChunk struct {
	offset protocol.ByteCount
	data   []byte
}

func newFrameSorter() *frameSorter {
	return &frameSorter{}
}

// Push inserts data at offset, trimming any overlap with bytes already
// delivered or already queued. fin marks the final chunk of the stream.
func (s *frameSorter) Push(data []byte, offset protocol.ByteCount, fin bool) error {
	if len(data) == 0 && !fin {
		return nil
	}
	end := offset + protocol.ByteCount(len(data))
	if fin {
		if s.gotFin && end != s.finOffset {
			return errFinalSizeMismatch
		}
		s.gotFin = true
		s.finOffset = end
	} else if s.gotFin && end > s.finOffset {
		return errFinalSizeMismatch
	}

	if end <= s.readOffset || len(data) == 0 {
		return nil
	}
	if offset < s.readOffset {
		data = data[s.readOffset-offset:]
		offset = s.readOffset
	}

	s.queue = append(s.queue, sortedChunk{offset: offset, data: data})
	sort.Slice(s.queue, func(i, j int) bool { return s.queue[i].offset < s.queue[j].offset })
	s.queue = mergeChunks(s.queue)
	return nil
}

func mergeChunks(in []sortedChunk) []sortedChunk {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, c := range in[1:] {
		last := &out[len(out)-1]
		lastEnd := last.offset + protocol.ByteCount(len(last.data))
		if c.offset > lastEnd {
			out = append(out, c)
			continue
		}
		cEnd := c.offset + protocol.ByteCount(len(c.data))
		if cEnd <= lastEnd {
			continue // fully contained in the previous chunk
		}
		last.data = append(last.data, c.data[lastEnd-c.offset:]...)
	}
	return out
}

// Pop returns the next contiguous run of bytes starting at the current read
// offset, or nil if there is a gap or nothing is queued. isFin reports
// whether this run reaches the final offset of the stream; with nil data,
// it reports whether everything up to the final offset was already popped.
func (s *frameSorter) Pop() (data []byte, isFin bool) {
	if len(s.queue) == 0 || s.queue[0].offset != s.readOffset {
		return nil, len(s.queue) == 0 && s.gotFin && s.readOffset == s.finOffset
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	s.readOffset += protocol.ByteCount(len(c.data))
	isFin = s.gotFin && s.readOffset == s.finOffset
	return c.data, isFin
}

var errFinalSizeMismatch = finalSizeError{}

type finalSizeError struct{}

func (finalSizeError) Error() string { return "inconsistent final size for stream" }
