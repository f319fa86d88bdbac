// Package protocol implements delimiter framing for serial-rpc.
//
// A reliable, ordered byte stream (a serial link, a TCP connection) carries one JSON message per
// frame. Frames are terminated by a single delimiter byte that the encoder guarantees never
// appears inside an encoded message.
//
// Frame format:
//
//	┌──────────────────────────────┬─────┐
//	│ message bytes (0..B)         │ \n  │
//	└──────────────────────────────┴─────┘
//
// The receiver accumulates bytes one at a time into a fixed buffer of B bytes. Reaching B bytes
// without a delimiter is an overflow: the partial message is dropped, never truncated.
package protocol

import (
	"io"

	"github.com/nuclio/errors"
)

const (
	// Delimiter terminates every frame. '\n' keeps the link usable from a plain serial monitor.
	Delimiter byte = '\n'

	// DefaultBufferSize balances protocol throughput against the memory of a small board.
	DefaultBufferSize = 350

	// DefaultBaudRate is the symbol rate both ends assume unless configured otherwise.
	DefaultBaudRate = 115200

	// Version is the only accepted value of the "jsonrpc" member.
	Version = "2.0"
)

var ErrFrameTooLarge = errors.New("protocol: frame exceeds buffer size")

// FeedResult is the state of a FrameReader after consuming one byte.
type FeedResult int

const (
	Incomplete FeedResult = iota // byte stored, no delimiter yet
	Complete                     // delimiter seen, Frame() holds the message
	Overflow                     // buffer was full, partial message dropped
)

func (r FeedResult) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Overflow:
		return "overflow"
	}
	return "unknown"
}

// FrameReader accumulates bytes into a single bounded buffer.
// It is owned by exactly one reader loop and never shared.
type FrameReader struct {
	buf   []byte
	pos   int // next write position, 0 <= pos <= len(buf)
	last  int // length of the last completed frame
	delim byte
}

// NewFrameReader allocates the receive buffer once; it never grows.
func NewFrameReader(size int, delim byte) *FrameReader {
	if size < 0 {
		size = 0
	}
	return &FrameReader{
		buf:   make([]byte, size),
		delim: delim,
	}
}

// Feed consumes exactly one byte.
func (r *FrameReader) Feed(b byte) FeedResult {
	if b == r.delim {
		r.last = r.pos
		r.pos = 0
		return Complete
	}

	if r.pos >= len(r.buf) {
		// the byte that would not fit is dropped together with the partial message
		r.last = 0
		r.pos = 0
		return Overflow
	}

	r.buf[r.pos] = b
	r.pos++
	return Incomplete
}

// Frame returns the last completed frame. The slice aliases the receive buffer and is only
// valid until the next call to Feed.
func (r *FrameReader) Frame() []byte {
	return r.buf[:r.last]
}

// Len returns the number of bytes accumulated for the frame in progress.
func (r *FrameReader) Len() int {
	return r.pos
}

// Size returns the fixed capacity B.
func (r *FrameReader) Size() int {
	return len(r.buf)
}

// Reset drops any partial frame.
func (r *FrameReader) Reset() {
	r.pos = 0
	r.last = 0
}

// Flusher is a writer whose buffered output can be pushed to the transport.
type Flusher interface {
	io.Writer
	Flush() error
}

// WriteFrame writes payload followed by the delimiter, then flushes w.
// The flush runs on every exit path, so a failed payload write never leaves bytes sitting in a
// buffer ahead of the next frame.
func WriteFrame(w Flusher, payload []byte) (err error) {
	defer func() {
		if flushErr := w.Flush(); flushErr != nil && err == nil {
			err = errors.Wrap(flushErr, "Failed to flush frame")
		}
	}()

	if _, err = w.Write(payload); err != nil {
		return errors.Wrap(err, "Failed to write frame payload")
	}
	if _, err = w.Write([]byte{Delimiter}); err != nil {
		return errors.Wrap(err, "Failed to write frame delimiter")
	}
	return nil
}

// ReadFrame reads bytes from r until a complete frame is assembled in fr and returns a copy.
// On overflow it returns ErrFrameTooLarge; the bytes after the overflow start a new frame, so a
// following call resynchronizes at the next delimiter.
func ReadFrame(r io.ByteReader, fr *FrameReader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch fr.Feed(b) {
		case Complete:
			frame := fr.Frame()
			out := make([]byte, len(frame))
			copy(out, frame)
			return out, nil
		case Overflow:
			return nil, ErrFrameTooLarge
		}
	}
}
