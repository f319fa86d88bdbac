// Package server runs the device engine: framing, parsing, dispatch and response writing.
//
// Frame cycle:
//
//	Port bytes → Session (FrameReader, one per port)
//	  → Complete: Codec.DecodeRequest → Recover → Middleware Chain → Handler → Codec.EncodeResponse → WriteFrame
//	  → Overflow: InvalidRequest (id 0) → WriteFrame
//
// Every frame gets exactly one response. The cycle from dispatch to the flushed response is
// serialized across all sessions, so the device never handles more than one request at a time.
package server

import (
	"context"
	"net"
	"serial-rpc/codec"
	"serial-rpc/message"
	"serial-rpc/metrics"
	"serial-rpc/middleware"
	"serial-rpc/protocol"
	"serial-rpc/registry"
	"serial-rpc/transport"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
)

// OverflowData is the data member of the error sent when a frame outgrows the buffer.
const OverflowData = "JSON RPC message is too large"

// DefaultServiceName is the registry name devices announce themselves under.
const DefaultServiceName = "serial-rpc"

// registrationTTL is the lease TTL in seconds; the registry keeps it alive while serving.
const registrationTTL = 10

type Options struct {
	// BufferSize is the receive buffer B of every session. Defaults to protocol.DefaultBufferSize.
	BufferSize int
	// Codec defaults to JSON.
	Codec codec.Codec
	// Metrics may be nil.
	Metrics *metrics.Recorder
	// ServiceName is used when registering in a registry.
	ServiceName string
}

// methodSet is implemented by handlers that can tell which methods they serve, such as Mux.
type methodSet interface {
	Has(method string) bool
}

// Server owns the handler chain and the accept loop.
type Server struct {
	logger      logger.Logger
	codec       codec.Codec
	bufferSize  int
	metrics     *metrics.Recorder
	serviceName string

	base        middleware.Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // Recover(middlewares...(base))

	cycleMu sync.Mutex // spans dispatch through response flush

	listener      net.Listener
	wg            sync.WaitGroup // running sessions
	shutdown      atomic.Bool
	connsLock     sync.Mutex // guards listener and conns
	conns         map[net.Conn]struct{}
	registry      registry.Registry
	advertiseAddr string
}

// NewServer creates a server dispatching every parsed request to handler.
func NewServer(parentLogger logger.Logger, handler middleware.Handler, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("Handler is required")
	}
	if options.BufferSize == 0 {
		options.BufferSize = protocol.DefaultBufferSize
	}
	if options.BufferSize < 0 {
		return nil, errors.Errorf("Invalid buffer size: %d", options.BufferSize)
	}
	if options.Codec == nil {
		jsonCodec, err := codec.GetCodec(codec.CodecTypeJSON)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to get default codec")
		}
		options.Codec = jsonCodec
	}
	if options.ServiceName == "" {
		options.ServiceName = DefaultServiceName
	}

	svr := &Server{
		logger:      parentLogger.GetChild("server"),
		codec:       options.Codec,
		bufferSize:  options.BufferSize,
		metrics:     options.Metrics,
		serviceName: options.ServiceName,
		base:        handler,
		conns:       map[net.Conn]struct{}{},
	}
	svr.buildHandler()
	return svr, nil
}

// Use registers a middleware. Middlewares run in the order they were added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
	svr.buildHandler()
}

// buildHandler wraps the chain in the recover middleware so a panic anywhere in it still
// yields a response.
func (svr *Server) buildHandler() {
	chain := middleware.Chain(svr.middlewares...)(svr.base.ServeRPC)
	svr.handler = middleware.RecoverMiddleware(svr.logger)(chain)
}

// NewSession binds a port to a fresh receive buffer.
func (svr *Server) NewSession(port transport.Port) *Session {
	return &Session{
		server: svr,
		port:   port,
		frames: protocol.NewFrameReader(svr.bufferSize, protocol.Delimiter),
	}
}

// Announce writes an unsolicited success response with id 0, the greeting a host waits for
// after the board resets.
func (svr *Server) Announce(port transport.Port, payload message.Payload) error {
	svr.cycleMu.Lock()
	defer svr.cycleMu.Unlock()
	return svr.writeResponse(port, message.NewResponse(0, message.Success(payload)))
}

// handleFrame runs one full cycle for a completed frame.
func (svr *Server) handleFrame(ctx context.Context, port transport.Port, frame []byte) error {
	svr.cycleMu.Lock()
	defer svr.cycleMu.Unlock()

	svr.metrics.FrameCompleted()

	req, rpcErr := svr.codec.DecodeRequest(frame)
	if rpcErr != nil {
		svr.logger.DebugWith("Rejected frame",
			"code", int32(rpcErr.Code),
			"message", rpcErr.Message,
			"length", len(frame))
		return svr.writeResponse(port, message.NewResponse(req.ID, message.Outcome{Error: rpcErr}))
	}

	start := time.Now()
	outcome := svr.handler(ctx, &req)
	svr.metrics.ObserveHandler(svr.methodLabel(req.Method), time.Since(start))

	return svr.writeResponse(port, message.NewResponse(req.ID, outcome))
}

// methodLabel bounds the metric label to the methods the base handler declares.
func (svr *Server) methodLabel(method string) string {
	if known, ok := svr.base.(methodSet); ok && known.Has(method) {
		return method
	}
	return metrics.OtherMethod
}

func (svr *Server) handleOverflow(port transport.Port) error {
	svr.cycleMu.Lock()
	defer svr.cycleMu.Unlock()

	svr.metrics.FrameOverflowed()
	svr.logger.WarnWith("Frame overflow", "bufferSize", svr.bufferSize)

	return svr.writeResponse(port, message.NewResponse(0, message.Failure(
		message.CodeInvalidRequest,
		message.CodeInvalidRequest.Message(),
		OverflowData)))
}

// writeResponse encodes and flushes resp. If the outcome cannot be encoded the request is
// answered with an InternalError instead, so it still gets exactly one response.
func (svr *Server) writeResponse(port transport.Port, resp *message.Response) error {
	payload, err := svr.codec.EncodeResponse(resp)
	if err != nil {
		svr.logger.ErrorWith("Failed to encode response", "id", resp.ID, "err", err.Error())
		resp = message.NewResponse(resp.ID, message.Failure(
			message.CodeInternalError,
			message.CodeInternalError.Message(),
			"Failed to encode response"))
		if payload, err = svr.codec.EncodeResponse(resp); err != nil {
			return errors.Wrap(err, "Failed to encode internal error response")
		}
	}

	if err := protocol.WriteFrame(port, payload); err != nil {
		return errors.Wrap(err, "Failed to write response")
	}

	svr.metrics.ResponseWritten(resp)
	return nil
}

// Serve accepts byte-stream connections and runs one session per connection until Shutdown.
func (svr *Server) Serve(listener net.Listener) error {
	svr.connsLock.Lock()
	svr.listener = listener
	svr.connsLock.Unlock()
	svr.logger.InfoWith("Serving", "addr", listener.Addr().String(), "bufferSize", svr.bufferSize)

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected
			if svr.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "Failed to accept connection")
		}

		svr.wg.Add(1)
		go svr.handleConn(conn)
	}
}

// ListenAndServe listens on address and, when reg is set, registers advertiseAddr under the
// service name before serving.
func (svr *Server) ListenAndServe(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "Failed to listen on %s", address)
	}

	if reg != nil {
		if advertiseAddr == "" {
			advertiseAddr = listener.Addr().String()
		}
		if err := reg.Register(svr.serviceName, registry.Instance{
			Addr:       advertiseAddr,
			Weight:     1,
			BufferSize: svr.bufferSize,
		}, registrationTTL); err != nil {
			listener.Close() // nolint: errcheck
			return errors.Wrap(err, "Failed to register")
		}
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
	}

	return svr.Serve(listener)
}

func (svr *Server) handleConn(conn net.Conn) {
	defer svr.wg.Done()
	defer conn.Close()

	svr.connsLock.Lock()
	if svr.shutdown.Load() {
		svr.connsLock.Unlock()
		return
	}
	svr.conns[conn] = struct{}{}
	svr.connsLock.Unlock()

	defer func() {
		svr.connsLock.Lock()
		delete(svr.conns, conn)
		svr.connsLock.Unlock()
	}()

	svr.logger.DebugWith("Session started", "remote", conn.RemoteAddr().String())
	err := svr.NewSession(transport.NewStreamPort(conn)).Run(context.Background())
	if err != nil && !svr.shutdown.Load() {
		svr.logger.WarnWith("Session ended", "remote", conn.RemoteAddr().String(), "err", err.Error())
		return
	}
	svr.logger.DebugWith("Session ended", "remote", conn.RemoteAddr().String())
}

// Shutdown stops the server:
//  1. deregister, so hosts stop picking this device
//  2. close the listener
//  3. let the cycle in progress finish, then close every connection
//  4. wait for sessions to return, bounded by timeout
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(svr.serviceName, svr.advertiseAddr); err != nil {
			svr.logger.WarnWith("Failed to deregister", "err", err.Error())
		}
	}

	// set the flag before closing, so Serve sees the Accept error as intentional
	svr.shutdown.Store(true)
	svr.connsLock.Lock()
	if svr.listener != nil {
		svr.listener.Close() // nolint: errcheck
	}
	svr.connsLock.Unlock()

	done := make(chan struct{})
	go func() {
		svr.cycleMu.Lock()
		svr.connsLock.Lock()
		for conn := range svr.conns {
			conn.Close() // nolint: errcheck
		}
		svr.connsLock.Unlock()
		svr.cycleMu.Unlock()

		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("Timeout waiting for sessions to finish")
	}
}
