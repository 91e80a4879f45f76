package gateway

import (
	"bytes"
	"errors"
	"fmt"
)

// FramingMode selects how the receive loop cuts the byte stream into frames.
type FramingMode string

const (
	// FramingJSON splits the stream into top-level JSON objects.
	FramingJSON FramingMode = "json"
	// FramingRead treats every socket read as exactly one frame.
	FramingRead FramingMode = "read"
)

// DefaultMaxFrameSize bounds a single JSON frame.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is reported by Feed when an object outgrew the maximum
// frame size and was discarded.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Framer turns received chunks into complete frames. A Framer belongs to one
// session and is not safe for concurrent use.
type Framer interface {
	// Feed consumes p and returns the frames it completed. The returned
	// slices are owned by the caller. A non-nil error reports discarded
	// input; the returned frames are still valid.
	Feed(p []byte) ([][]byte, error)
	// Flush returns the buffered bytes that never completed a frame and
	// resets the framer. It returns nil when nothing is pending.
	Flush() []byte
}

// NewFramer creates a Framer for mode. An empty mode selects FramingJSON and
// a non-positive maxSize selects DefaultMaxFrameSize.
func NewFramer(mode FramingMode, maxSize int) (Framer, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	switch mode {
	case "", FramingJSON:
		return &jsonFramer{maxSize: maxSize}, nil
	case FramingRead:
		return readFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing mode %q", mode)
	}
}

type readFramer struct{}

func (readFramer) Feed(p []byte) ([][]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return [][]byte{bytes.Clone(p)}, nil
}

func (readFramer) Flush() []byte {
	return nil
}

// jsonFramer tracks brace depth outside string literals. Bytes between
// objects that are not whitespace are returned as their own (stray) frame so
// the decoder can reject and log them.
type jsonFramer struct {
	maxSize int

	obj      []byte
	depth    int
	inString bool
	escaped  bool

	stray []byte
}

func (f *jsonFramer) Feed(p []byte) ([][]byte, error) {
	var (
		frames [][]byte
		err    error
	)

	for _, c := range p {
		if f.depth == 0 {
			if c != '{' {
				if len(f.stray) < f.maxSize {
					f.stray = append(f.stray, c)
				} else {
					err = ErrFrameTooLarge
				}
				continue
			}
			if s := bytes.TrimSpace(f.stray); len(s) > 0 {
				frames = append(frames, bytes.Clone(s))
			}
			f.stray = f.stray[:0]
			f.depth = 1
			f.obj = append(f.obj[:0], c)
			continue
		}

		f.obj = append(f.obj, c)
		switch {
		case f.inString:
			switch {
			case f.escaped:
				f.escaped = false
			case c == '\\':
				f.escaped = true
			case c == '"':
				f.inString = false
			}
		case c == '"':
			f.inString = true
		case c == '{':
			f.depth++
		case c == '}':
			f.depth--
			if f.depth == 0 {
				frames = append(frames, bytes.Clone(f.obj))
				f.obj = f.obj[:0]
			}
		}

		if f.depth > 0 && len(f.obj) > f.maxSize {
			f.reset()
			err = ErrFrameTooLarge
		}
	}

	return frames, err
}

func (f *jsonFramer) Flush() []byte {
	rest := bytes.TrimSpace(append(bytes.Clone(f.stray), f.obj...))
	f.stray = f.stray[:0]
	f.reset()
	if len(rest) == 0 {
		return nil
	}
	return rest
}

func (f *jsonFramer) reset() {
	f.obj = nil
	f.depth = 0
	f.inString = false
	f.escaped = false
}
