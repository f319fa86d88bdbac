// Package transport adapts byte streams to the engine and to the host.
//
// The device engine only needs four things from a transport: how many bytes can be read without
// blocking, one byte at a time, a write, and a flush that returns once the bytes have left.
// Opening, enumerating and configuring the underlying link stays outside the engine.
package transport

import (
	"bufio"
	"bytes"
	"io"
	"serial-rpc/protocol"
	"sync"
)

// Port is the device-side view of a transport.
type Port interface {
	// Available returns the number of bytes ReadByte can return without blocking.
	Available() int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
	// Flush blocks until everything written so far has been handed to the link.
	Flush() error
}

type drainer interface {
	Drain() error
}

// StreamPort runs a Port over any io.ReadWriter: a TCP connection, a serial port, a pipe.
type StreamPort struct {
	rw     io.ReadWriter
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewStreamPort(rw io.ReadWriter) *StreamPort {
	return &StreamPort{
		rw:     rw,
		reader: bufio.NewReader(rw),
		writer: bufio.NewWriter(rw),
	}
}

// Available only counts bytes already buffered; a blocking ReadByte refills the buffer.
func (p *StreamPort) Available() int {
	return p.reader.Buffered()
}

func (p *StreamPort) ReadByte() (byte, error) {
	return p.reader.ReadByte()
}

func (p *StreamPort) Write(b []byte) (int, error) {
	return p.writer.Write(b)
}

// Flush pushes buffered bytes to the stream and, for serial ports, waits for transmission.
func (p *StreamPort) Flush() error {
	if err := p.writer.Flush(); err != nil {
		return err
	}
	if d, ok := p.rw.(drainer); ok {
		return d.Drain()
	}
	return nil
}

func (p *StreamPort) Close() error {
	if closer, ok := p.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// MemoryPort is an in-process Port. Bytes fed with Feed are what the engine reads; bytes the
// engine writes become visible in Output only once flushed.
type MemoryPort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	pending bytes.Buffer
	out     bytes.Buffer
	flushes int
}

func NewMemoryPort() *MemoryPort {
	return &MemoryPort{}
}

// Feed queues bytes for the engine to read.
func (p *MemoryPort) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
}

func (p *MemoryPort) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.Len()
}

// ReadByte returns io.EOF once every fed byte has been consumed.
func (p *MemoryPort) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.ReadByte()
}

func (p *MemoryPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Write(b)
}

func (p *MemoryPort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(p.pending.Bytes())
	p.pending.Reset()
	p.flushes++
	return nil
}

// Output returns a copy of everything flushed so far.
func (p *MemoryPort) Output() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// Frames splits the flushed output into delimiter-terminated frames.
func (p *MemoryPort) Frames() []string {
	var frames []string
	for _, frame := range bytes.SplitAfter(p.Output(), []byte{protocol.Delimiter}) {
		if len(frame) == 0 {
			continue
		}
		frames = append(frames, string(bytes.TrimSuffix(frame, []byte{protocol.Delimiter})))
	}
	return frames
}

// Flushes returns how many times Flush was called.
func (p *MemoryPort) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}
