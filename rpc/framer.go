package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// maxFrameBytes bounds how much unframed input the framer will buffer before
// declaring the stream broken.
const maxFrameBytes = 1 << 20 // 1 MiB

var (
	// ErrInvalidFrame marks a byte stream that can never balance into a JSON value.
	ErrInvalidFrame = errors.New("rpc: stream is not valid JSON")
	// ErrFrameTooLarge marks a value that exceeds the framing buffer limit.
	ErrFrameTooLarge = errors.New("rpc: frame exceeds buffer limit")
)

// Framer reassembles complete top-level JSON values from an arbitrarily
// chunked byte stream. The daemon may write partial values, several
// concatenated values, or split a value mid-token; Push buffers across calls
// and yields each value exactly once, in order.
//
// Framing is purely syntactic: structural delimiters are balanced while
// quoted strings and their escape sequences are skipped. A top-level value
// that is not an object or array, or input that can never balance, is a
// framing error; framer errors are sticky and fatal to the connection.
type Framer struct {
	buf      []byte
	pos      int
	start    int // index of the in-progress value, -1 between values
	depth    int
	inString bool
	escaped  bool
	limit    int
	err      error
}

// NewFramer returns a framer with the default buffer limit.
func NewFramer() *Framer {
	return NewFramerLimit(maxFrameBytes)
}

// NewFramerLimit returns a framer bounded at limit bytes of buffered input.
func NewFramerLimit(limit int) *Framer {
	if limit <= 0 {
		limit = maxFrameBytes
	}
	return &Framer{start: -1, limit: limit}
}

// Push appends chunk to the stream and returns every value completed by it.
// Returned slices are copies and remain valid after subsequent pushes. Once
// Push reports an error the framer refuses further input.
func (f *Framer) Push(chunk []byte) ([][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for f.pos < len(f.buf) {
		b := f.buf[f.pos]
		if f.start < 0 {
			switch b {
			case ' ', '\t', '\r', '\n':
				f.pos++
				continue
			case '{', '[':
				f.start = f.pos
				f.depth = 0
			default:
				f.err = fmt.Errorf("%w: unexpected byte %q between values", ErrInvalidFrame, b)
				return frames, f.err
			}
		}
		if f.inString {
			switch {
			case f.escaped:
				f.escaped = false
			case b == '\\':
				f.escaped = true
			case b == '"':
				f.inString = false
			}
			f.pos++
			continue
		}
		switch b {
		case '"':
			f.inString = true
		case '{', '[':
			f.depth++
		case '}', ']':
			f.depth--
			if f.depth == 0 {
				frame := f.buf[f.start : f.pos+1]
				if !json.Valid(frame) {
					f.err = fmt.Errorf("%w: mismatched structural characters", ErrInvalidFrame)
					return frames, f.err
				}
				out := make([]byte, len(frame))
				copy(out, frame)
				frames = append(frames, out)
				f.buf = f.buf[:copy(f.buf, f.buf[f.pos+1:])]
				f.pos = 0
				f.start = -1
				continue
			}
		}
		f.pos++
	}

	if f.start < 0 {
		f.buf = f.buf[:0]
		f.pos = 0
	} else if f.start > 0 {
		f.buf = f.buf[:copy(f.buf, f.buf[f.start:])]
		f.pos -= f.start
		f.start = 0
	}
	if len(f.buf) > f.limit {
		f.err = fmt.Errorf("%w: %d buffered bytes", ErrFrameTooLarge, len(f.buf))
		return frames, f.err
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete value.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
