package transport

import (
	"os"
	"sync"
	"time"

	"github.com/nuclio/errors"
	"go.bug.st/serial"
)

// SerialPort is an io.ReadWriteCloser over a serial device with read deadlines, so it can back
// both a StreamPort on the device side and a Conn on the host side.
type SerialPort struct {
	mu       sync.Mutex
	name     string
	port     serial.Port
	deadline time.Time
}

// OpenSerial opens name at baudRate with 8N1 framing.
func OpenSerial(name string, baudRate int) (*SerialPort, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open serial port %s", name)
	}
	return &SerialPort{name: name, port: port}, nil
}

func (p *SerialPort) Name() string {
	return p.name
}

// SetReadDeadline bounds subsequent reads; the zero time disables the bound.
func (p *SerialPort) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	return nil
}

// Read blocks until at least one byte arrives or the deadline passes, in which case it returns
// os.ErrDeadlineExceeded.
func (p *SerialPort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		deadline := p.deadline
		p.mu.Unlock()

		timeout := serial.NoTimeout
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
		}
		if err := p.port.SetReadTimeout(timeout); err != nil {
			return 0, errors.Wrap(err, "Failed to set read timeout")
		}

		n, err := p.port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		// a zero read without error means the timeout elapsed
	}
}

func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Drain waits until every written byte has been transmitted.
func (p *SerialPort) Drain() error {
	return p.port.Drain()
}

// ResetInput discards bytes received but not yet read.
func (p *SerialPort) ResetInput() error {
	return p.port.ResetInputBuffer()
}

func (p *SerialPort) Close() error {
	return p.port.Close()
}

// ListSerialPorts returns the serial devices present on this machine.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list serial ports")
	}
	return ports, nil
}
