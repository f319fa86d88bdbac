// Package client is the host side: it sends requests to a device and waits for the answer.
//
// A device handles one request at a time, so every call holds its connection for the whole
// round trip. Request ids start at 0 and grow by one per call; params are always sent as an
// array. Only timeouts are retried; an error response from the device is final.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"serial-rpc/loadbalance"
	"serial-rpc/message"
	"serial-rpc/protocol"
	"serial-rpc/registry"
	"serial-rpc/transport"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

var (
	ErrMissingResult   = errors.New("Response carries neither result nor error")
	ErrInvalidVersion  = errors.New("Response has an invalid jsonrpc version")
	ErrMalformedResult = errors.New("Response is not a JSON-RPC object")
)

type Options struct {
	// FrameSize bounds the longest response accepted. Defaults to 4096.
	FrameSize int
	// InitTimeout bounds the wait for the greeting. Defaults to 3s.
	InitTimeout time.Duration
	// ReadTimeout bounds each attempt of a call. Defaults to 2s.
	ReadTimeout time.Duration
	// Retries is the number of extra attempts after a timeout.
	Retries int
	// RetryDelay is the wait before the first retry; it doubles on each following one.
	// Defaults to 100ms.
	RetryDelay time.Duration
	// PoolSize caps the connections per discovered device. Defaults to 1.
	PoolSize int
	// ExpectGreeting marks a device that sends an id-0 result after reset. Until Init has
	// read that greeting, call ids skip 0 so the greeting cannot answer a call.
	ExpectGreeting bool
}

func (o *Options) setDefaults() {
	if o.FrameSize <= 0 {
		o.FrameSize = 4096
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = 3 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = transport.DefaultReadTimeout
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 1
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int32  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string               `json:"jsonrpc"`
	ID      int32                `json:"id"`
	Result  json.RawMessage      `json:"result"`
	Error   *message.ErrorObject `json:"error"`
}

// Client calls methods on one device, or on devices found in a registry.
type Client struct {
	logger  logger.Logger
	options Options
	source  connSource
	nextID  atomic.Int32
	greeted atomic.Bool
}

// New talks to the device at the other end of rw.
func New(parentLogger logger.Logger, rw io.ReadWriter, options Options) *Client {
	options.setDefaults()
	conn := transport.NewConn(rw, options.FrameSize)
	conn.SetReadTimeout(options.ReadTimeout)
	return newClient(parentLogger, &directSource{conn: conn}, options)
}

// Dial connects to a device exposed over a byte-stream network such as TCP.
func Dial(parentLogger logger.Logger, network, address string, options Options) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to dial %s", address)
	}
	return New(parentLogger, conn, options), nil
}

// OpenSerial opens a serial device. Opening the port usually resets the board, so call Init
// before the first Call.
func OpenSerial(parentLogger logger.Logger, device string, baudRate int, options Options) (*Client, error) {
	options.ExpectGreeting = true
	if baudRate <= 0 {
		baudRate = protocol.DefaultBaudRate
	}
	port, err := transport.OpenSerial(device, baudRate)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open device")
	}
	return New(parentLogger, port, options), nil
}

// NewDiscovery picks a registered device per call. The method name is the balancer key, so
// with consistent hashing a method always reaches the same device.
func NewDiscovery(parentLogger logger.Logger,
	reg registry.Registry,
	balancer loadbalance.Balancer,
	serviceName string,
	options Options) *Client {
	options.setDefaults()
	return newClient(parentLogger, &discoverySource{
		registry:    reg,
		balancer:    balancer,
		serviceName: serviceName,
		options:     options,
		pools:       map[string]*transport.ConnPool{},
	}, options)
}

func newClient(parentLogger logger.Logger, source connSource, options Options) *Client {
	return &Client{
		logger:  parentLogger.GetChild("client"),
		options: options,
		source:  source,
	}
}

// Init waits for the greeting the device sends once it has booted and returns its result.
// It returns "" if no greeting arrived within the init timeout.
//
// The greeting is an id-0 result, the same id the first call uses. With ExpectGreeting set, calls
// made before a greeting was read start at id 1, so a late greeting is skipped instead of being
// taken for the first call's answer.
func (c *Client) Init(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.InitTimeout)
	defer cancel()

	conn, release, err := c.source.acquire(ctx, "")
	if err != nil {
		return "", errors.Wrap(err, "Failed to acquire connection")
	}

	frame, err := conn.Receive(ctx)
	release(err)
	if err == transport.ErrTimeout {
		c.logger.DebugWith("No greeting received", "timeout", c.options.InitTimeout)
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "Failed to read greeting")
	}

	result, err := parseResponse(frame)
	if err != nil {
		return "", err
	}

	c.greeted.Store(true)

	var greeting string
	if json.Unmarshal(result, &greeting) == nil {
		return greeting, nil
	}
	return string(result), nil
}

// Call invokes method and returns the raw JSON result.
//
// A device error is returned as *message.ErrorObject. When every attempt timed out the error is
// transport.ErrTimeout.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	id := c.nextID.Add(1) - 1
	if id == 0 && c.options.ExpectGreeting && !c.greeted.Load() {
		id = c.nextID.Add(1) - 1
	}
	encoded, err := json.Marshal(&request{
		JSONRPC: protocol.Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode request")
	}

	delay := c.options.RetryDelay
	for attempt := 0; ; attempt++ {
		frame, err := c.attempt(ctx, method, id, encoded)
		if err == nil {
			return parseResponse(frame)
		}
		if err != transport.ErrTimeout || attempt >= c.options.Retries {
			return nil, err
		}

		c.logger.DebugWith("Call timed out, retrying",
			"method", method,
			"id", id,
			"attempt", attempt+1,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, transport.ErrTimeout
		}
		delay *= 2
	}
}

func (c *Client) attempt(ctx context.Context, key string, id int32, encoded []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.ReadTimeout)
	defer cancel()

	conn, release, err := c.source.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	frame, err := conn.RoundTrip(ctx, encoded, func(frame []byte) bool {
		return matches(frame, id)
	})
	release(err)
	return frame, err
}

// Close releases every connection the client opened.
func (c *Client) Close() error {
	return c.source.close()
}

// matches accepts the response to id, and id-0 errors, which are how the device answers frames
// it could not parse.
func matches(frame []byte, id int32) bool {
	var resp response
	if json.Unmarshal(frame, &resp) != nil {
		return false
	}
	return resp.ID == id || (resp.ID == 0 && resp.Error != nil)
}

func parseResponse(frame []byte) (json.RawMessage, error) {
	var resp response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, ErrMalformedResult
	}
	if resp.JSONRPC != protocol.Version {
		return nil, ErrInvalidVersion
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, ErrMissingResult
	}
	return resp.Result, nil
}

// connSource hands out a connection for one exchange. release must be called with the
// exchange's error.
type connSource interface {
	acquire(ctx context.Context, key string) (*transport.Conn, func(error), error)
	close() error
}

type directSource struct {
	conn *transport.Conn
}

func (s *directSource) acquire(ctx context.Context, key string) (*transport.Conn, func(error), error) {
	return s.conn, func(error) {}, nil
}

func (s *directSource) close() error {
	return s.conn.Close()
}

type discoverySource struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	serviceName string
	options     Options

	poolsLock sync.Mutex
	pools     map[string]*transport.ConnPool
}

func (s *discoverySource) acquire(ctx context.Context, key string) (*transport.Conn, func(error), error) {
	instances, err := s.registry.Discover(s.serviceName)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Failed to discover devices")
	}

	instance, err := s.balancer.Pick(key, instances)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Failed to pick a %s device", s.serviceName)
	}

	pool := s.pool(instance.Addr)
	pooled, err := pool.Get(ctx)
	if err == transport.ErrPoolExhausted {
		return nil, nil, transport.ErrTimeout
	}
	if err != nil {
		return nil, nil, err
	}

	return pooled.Conn, func(err error) {
		// a timed out exchange may still deliver its response later; start clean next time
		if err != nil {
			pooled.MarkUnusable()
		}
		pool.Put(pooled)
	}, nil
}

func (s *discoverySource) pool(addr string) *transport.ConnPool {
	s.poolsLock.Lock()
	defer s.poolsLock.Unlock()

	pool, found := s.pools[addr]
	if !found {
		pool = transport.NewConnPool(addr, s.options.PoolSize, func() (*transport.Conn, error) {
			netConn, err := net.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			conn := transport.NewConn(netConn, s.options.FrameSize)
			conn.SetReadTimeout(s.options.ReadTimeout)
			return conn, nil
		})
		s.pools[addr] = pool
	}
	return pool
}

func (s *discoverySource) close() error {
	s.poolsLock.Lock()
	defer s.poolsLock.Unlock()

	for addr, pool := range s.pools {
		pool.Close() // nolint: errcheck
		delete(s.pools, addr)
	}
	return nil
}
