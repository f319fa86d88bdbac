package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"serial-rpc/protocol"
	"sync"
	"time"

	"github.com/nuclio/errors"
)

var (
	// ErrTimeout is returned when no acceptable frame arrived before the deadline.
	ErrTimeout = errors.New("Timed out waiting for response")
	// ErrConnClosed is returned once the peer closed the link.
	ErrConnClosed = errors.New("Connection closed")
)

// DefaultReadTimeout applies when the caller's context carries no deadline.
const DefaultReadTimeout = 2 * time.Second

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn is the host end of a link to one device.
//
// The device handles a single request at a time and answers in order, so a Conn allows exactly
// one round trip in flight: the sending mutex spans the write of the request and the read of
// its response. Frames that are not JSON (debug prints from the firmware) are skipped.
type Conn struct {
	rw          io.ReadWriter
	reader      *bufio.Reader
	writer      *bufio.Writer
	frames      *protocol.FrameReader
	readTimeout time.Duration
	sending     sync.Mutex
}

// NewConn wraps rw. frameSize bounds the longest response frame accepted.
func NewConn(rw io.ReadWriter, frameSize int) *Conn {
	return &Conn{
		rw:          rw,
		reader:      bufio.NewReader(rw),
		writer:      bufio.NewWriter(rw),
		frames:      protocol.NewFrameReader(frameSize, protocol.Delimiter),
		readTimeout: DefaultReadTimeout,
	}
}

// SetReadTimeout changes the deadline used when a context carries none.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

// RoundTrip writes request as one frame and returns the first JSON frame accepted by match.
// A nil match accepts any JSON frame.
func (c *Conn) RoundTrip(ctx context.Context, request []byte, match func(frame []byte) bool) ([]byte, error) {
	c.sending.Lock()
	defer c.sending.Unlock()

	if err := protocol.WriteFrame(c.writer, request); err != nil {
		return nil, errors.Wrap(err, "Failed to write request")
	}
	return c.receive(ctx, match)
}

// Receive waits for one JSON frame without sending anything first, e.g. a boot greeting.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.receive(ctx, nil)
}

func (c *Conn) receive(ctx context.Context, match func([]byte) bool) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.readTimeout)
	}
	if d, ok := c.rw.(readDeadliner); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "Failed to set read deadline")
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeout
		}

		frame, err := protocol.ReadFrame(c.reader, c.frames)
		if err == protocol.ErrFrameTooLarge {
			continue
		}
		if err != nil {
			return nil, classify(err)
		}
		if !json.Valid(frame) {
			continue
		}
		if match == nil || match(frame) {
			return frame, nil
		}
	}
}

// Close closes the underlying link when it can be closed.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func classify(err error) error {
	if os.IsTimeout(err) {
		return ErrTimeout
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrTimeout
	}
	if err == io.EOF || err == io.ErrClosedPipe || err == net.ErrClosed {
		return ErrConnClosed
	}
	return errors.Wrap(err, "Failed to read response")
}
