package protocol

import (
	"bytes"
	"errors"
	"strings"
)

const (
	// Terminator ends every frame on the wire.
	Terminator = '\n'

	// DefaultMaxFrameLength bounds a frame when no explicit limit is set.
	DefaultMaxFrameLength = 4096
)

// ErrFrameContainsTerminator is returned when a payload would split into two frames.
var ErrFrameContainsTerminator = errors.New("frame text contains line terminator")

// Encode appends the frame terminator to text.
func Encode(text string) ([]byte, error) {
	if strings.IndexByte(text, Terminator) >= 0 {
		return nil, ErrFrameContainsTerminator
	}
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	return append(buf, Terminator), nil
}

// FrameReader reassembles frames from bytes that arrive in arbitrary pieces.
// It never reads from a connection itself: the owner feeds it whatever a
// non-blocking read returned and then drains complete frames.
type FrameReader struct {
	buf []byte
	max int
}

// NewFrameReader creates a frame reader bounded to maxLen bytes per frame.
// A non-positive maxLen selects DefaultMaxFrameLength.
func NewFrameReader(maxLen int) *FrameReader {
	if maxLen <= 0 {
		maxLen = DefaultMaxFrameLength
	}
	return &FrameReader{max: maxLen}
}

// Feed appends newly arrived bytes.
func (r *FrameReader) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Next returns the next complete frame with its terminator stripped. A frame
// that reaches the length bound without a terminator is returned as is, and
// the following bytes start a new frame.
func (r *FrameReader) Next() (string, bool) {
	// A frame of exactly max bytes may still be followed by its terminator.
	limit := len(r.buf)
	if limit > r.max+1 {
		limit = r.max + 1
	}

	if idx := bytes.IndexByte(r.buf[:limit], Terminator); idx >= 0 {
		frame := string(r.buf[:idx])
		r.consume(idx + 1)
		return frame, true
	}

	if len(r.buf) >= r.max {
		frame := string(r.buf[:r.max])
		r.consume(r.max)
		return frame, true
	}

	return "", false
}

// Buffered returns the number of bytes held that are not yet part of a frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Drain hands back and forgets all buffered bytes. It is used when a
// connection switches from framed text to a raw byte stream.
func (r *FrameReader) Drain() []byte {
	rest := r.buf
	r.buf = nil
	return rest
}

func (r *FrameReader) consume(n int) {
	rest := len(r.buf) - n
	if rest == 0 {
		r.buf = r.buf[:0]
		return
	}
	copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}
