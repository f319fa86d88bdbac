package server

import (
	"context"
	"io"
	"serial-rpc/protocol"
	"serial-rpc/transport"
)

// Session is one port and the receive buffer that belongs to it. A session is driven by one
// goroutine at a time.
type Session struct {
	server *Server
	port   transport.Port
	frames *protocol.FrameReader
}

// Step feeds one byte and, when it completes or overflows a frame, runs the cycle for it.
// It reports whether a response was written.
func (s *Session) Step(ctx context.Context, b byte) (bool, error) {
	switch s.frames.Feed(b) {
	case protocol.Complete:
		return true, s.server.handleFrame(ctx, s.port, s.frames.Frame())
	case protocol.Overflow:
		return true, s.server.handleOverflow(s.port)
	}
	return false, nil
}

// Poll consumes bytes only while the port has some available and returns after one response
// was written or nothing is left to read. It never blocks waiting for input.
//
// Poll needs a port whose Available counts bytes already received, such as MemoryPort. A
// StreamPort only counts what its buffer holds, which stays empty until a blocking read, so
// stream-backed sessions are driven with Run.
func (s *Session) Poll(ctx context.Context) (bool, error) {
	for s.port.Available() > 0 {
		b, err := s.port.ReadByte()
		if err != nil {
			return false, err
		}
		responded, err := s.Step(ctx, b)
		if err != nil || responded {
			return responded, err
		}
	}
	return false, nil
}

// Run reads bytes until ctx ends, the port reaches EOF (nil error) or the port fails.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := s.port.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := s.Step(ctx, b); err != nil {
			return err
		}
	}
}

// Pending returns how many bytes of an unfinished frame are buffered.
func (s *Session) Pending() int {
	return s.frames.Len()
}
