// Package frame splits a TCP byte stream into length-prefixed frames.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LengthSize is the width of the big-endian length prefix.
const LengthSize = 4

// DefaultMaxFrameSize caps the declared length of a single frame.
const DefaultMaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// Reassembler carries incomplete frames between reads. It is not safe for
// concurrent use; each receive direction owns one.
type Reassembler struct {
	pending      []byte
	maxFrameSize int
}

// NewReassembler returns a reassembler that rejects frames declaring more
// than maxFrameSize bytes. A non-positive size selects DefaultMaxFrameSize.
func NewReassembler(maxFrameSize int) *Reassembler {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reassembler{maxFrameSize: maxFrameSize}
}

// Feed appends data to the carried bytes and returns every complete unit.
//
// When framed is true each returned slice is one whole frame including its
// length prefix, and any trailing partial frame is kept for the next call.
// When framed is false the carried bytes and data are returned as a single
// opaque unit and nothing is kept.
func (r *Reassembler) Feed(data []byte, framed bool) ([][]byte, error) {
	buf := data
	if len(r.pending) > 0 {
		buf = append(r.pending, data...)
		r.pending = nil
	}
	if !framed {
		if len(buf) == 0 {
			return nil, nil
		}
		return [][]byte{append([]byte(nil), buf...)}, nil
	}

	var frames [][]byte
	for len(buf) >= LengthSize {
		declared := binary.BigEndian.Uint32(buf)
		if uint64(declared) > uint64(r.maxFrameSize) {
			return frames, fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, declared, r.maxFrameSize)
		}
		total := LengthSize + int(declared)
		if len(buf) < total {
			break
		}
		frames = append(frames, append([]byte(nil), buf[:total]...))
		buf = buf[total:]
	}
	if len(buf) > 0 {
		r.pending = append([]byte(nil), buf...)
	}
	return frames, nil
}

// Pending reports how many bytes are carried over.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Reset drops any carried bytes.
func (r *Reassembler) Reset() {
	r.pending = nil
}
