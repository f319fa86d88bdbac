// Pool design: a buffered channel is the idle list. Each device answers one request at a time,
// so a connection is borrowed exclusively for a round trip and returned afterwards.
package transport

import (
	"context"
	"sync"

	"github.com/nuclio/errors"
)

var (
	ErrPoolExhausted = errors.New("Connection pool exhausted")
	ErrPoolClosed    = errors.New("Connection pool closed")
)

// ConnPool manages reusable connections to a single device address.
type ConnPool struct {
	mu       sync.Mutex
	conns    chan *PoolConn        // idle connections, FIFO
	addr     string                // target address
	maxConns int                   // upper bound on open connections
	curConns int                   // open connections, idle or borrowed
	closed   bool
	factory  func() (*Conn, error) // dials a new connection
}

// PoolConn is a borrowed Conn.
type PoolConn struct {
	*Conn
	pool     *ConnPool
	unusable bool
}

// MarkUnusable makes Put close the connection instead of returning it to the idle list.
// Call it after any error that may have left the stream out of step.
func (pc *PoolConn) MarkUnusable() {
	pc.unusable = true
}

// NewConnPool creates an empty pool; connections are dialed lazily.
func NewConnPool(addr string, maxConns int, factory func() (*Conn, error)) *ConnPool {
	if maxConns < 1 {
		maxConns = 1
	}
	return &ConnPool{
		conns:    make(chan *PoolConn, maxConns),
		addr:     addr,
		maxConns: maxConns,
		factory:  factory,
	}
}

func (p *ConnPool) Addr() string {
	return p.addr
}

// Get borrows a connection:
//  1. an idle one if there is any
//  2. a new one while under maxConns
//  3. otherwise it waits for a Put or for ctx to end
func (p *ConnPool) Get(ctx context.Context) (*PoolConn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	default:
	}

	conn, err := p.createNew()
	if err != ErrPoolExhausted {
		return conn, err
	}

	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ErrPoolExhausted
	}
}

// Put returns a borrowed connection. Unusable connections are closed and free their slot.
func (p *ConnPool) Put(conn *PoolConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn.unusable || p.closed {
		conn.Close() // nolint: errcheck
		p.curConns--
		return
	}
	p.conns <- conn
}

// Len returns the number of open connections.
func (p *ConnPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

// Close closes every idle connection; borrowed ones are closed when they are Put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close() // nolint: errcheck
		p.curConns--
	}
	return nil
}

// createNew dials under the mutex so concurrent callers never exceed maxConns.
func (p *ConnPool) createNew() (*PoolConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.curConns >= p.maxConns {
		return nil, ErrPoolExhausted
	}

	conn, err := p.factory()
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to dial %s", p.addr)
	}

	p.curConns++
	return &PoolConn{Conn: conn, pool: p}, nil
}
