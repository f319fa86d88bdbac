package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"serial-rpc/message"
	"serial-rpc/metrics"
	"serial-rpc/middleware"
	"serial-rpc/registry"
	"serial-rpc/transport"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuclio/logger"
	"github.com/nuclio/zap"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
)

type ServerTestSuite struct {
	suite.Suite
	logger logger.Logger
	mux    *Mux
}

func (suite *ServerTestSuite) SetupTest() {
	var err error
	suite.logger, err = nucliozap.NewNuclioZapTest("test")
	suite.Require().NoError(err)

	suite.mux = NewMux()
	suite.mux.HandleFunc("echo", func(ctx context.Context, req *message.Request) message.Outcome {
		return message.Success(message.String(strconv.Itoa(len(req.Params))))
	})
	suite.mux.HandleFunc("first", func(ctx context.Context, req *message.Request) message.Outcome {
		if len(req.Params) == 0 {
			return message.Failure(message.CodeInvalidParams, message.CodeInvalidParams.Message(), "Expected 1 param")
		}
		return message.Success(message.String(req.Params[0]))
	})
	suite.mux.HandleFunc("panic", func(ctx context.Context, req *message.Request) message.Outcome {
		panic("handler bug")
	})
	suite.mux.HandleFunc("silent", func(ctx context.Context, req *message.Request) message.Outcome {
		return message.Outcome{}
	})
	suite.mux.HandleFunc("bytes", func(ctx context.Context, req *message.Request) message.Outcome {
		return message.Success(message.Bytes{0, 10, 255})
	})
}

func (suite *ServerTestSuite) newServer(options Options) *Server {
	svr, err := NewServer(suite.logger, suite.mux, options)
	suite.Require().NoError(err)
	return svr
}

// roundTrip feeds input to a fresh session and polls until the port is drained.
func (suite *ServerTestSuite) roundTrip(svr *Server, input string) []string {
	port := transport.NewMemoryPort()
	session := svr.NewSession(port)
	port.Feed([]byte(input))

	for port.Available() > 0 {
		_, err := session.Poll(context.Background())
		suite.Require().NoError(err)
	}
	return port.Frames()
}

func (suite *ServerTestSuite) TestEchoParamCount() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":1,"method":"echo","params":["a","b"]}`+"\n")

	suite.Require().Equal([]string{`{"jsonrpc":"2.0","id":1,"result":"2"}`}, frames)
}

func (suite *ServerTestSuite) TestWrongVersion() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"1.0","id":1,"method":"x","params":[]}`+"\n")

	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":0,"error":{"code":-32600,"message":"Invalid Request","data":"Invalid protocol version"}}`,
	}, frames)
}

func (suite *ServerTestSuite) TestMissingParams() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":3,"method":"echo"}`+"\n")

	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":3,"error":{"code":-32602,"message":"Invalid params","data":"Array expected"}}`,
	}, frames)
}

func (suite *ServerTestSuite) TestObjectParamsNeverReachHandler() {
	called := false
	suite.mux.HandleFunc("spy", func(ctx context.Context, req *message.Request) message.Outcome {
		called = true
		return message.Success(message.String("called"))
	})

	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":4,"method":"spy","params":{"a":1}}`+"\n"+
			`{"jsonrpc":"2.0","id":5,"method":"spy","params":[}`+"\n")

	suite.Require().Len(frames, 2)
	suite.Require().Contains(frames[0], `"code":-32602`)
	suite.Require().Contains(frames[1], `"id":0,"error":{"code":-32700`)
	suite.Require().False(called)
}

func (suite *ServerTestSuite) TestOverflowThenFreshFrame() {
	svr := suite.newServer(Options{BufferSize: 16})
	port := transport.NewMemoryPort()
	session := svr.NewSession(port)
	port.Feed([]byte("abcdefghijklmnopqrst\n"))

	responded, err := session.Poll(context.Background())
	suite.Require().NoError(err)
	suite.Require().True(responded)
	suite.Require().Equal(0, session.Pending())
	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":0,"error":{"code":-32600,"message":"Invalid Request","data":"JSON RPC message is too large"}}`,
	}, port.Frames())

	// "rst" is what is left before the delimiter, parsed as a frame of its own
	responded, err = session.Poll(context.Background())
	suite.Require().NoError(err)
	suite.Require().True(responded)

	frames := port.Frames()
	suite.Require().Len(frames, 2)
	suite.Require().Contains(frames[1], `{"jsonrpc":"2.0","id":0,"error":{"code":-32700,"message":"Parse error"`)
}

func (suite *ServerTestSuite) TestPollWithoutInput() {
	svr := suite.newServer(Options{})
	port := transport.NewMemoryPort()
	session := svr.NewSession(port)

	responded, err := session.Poll(context.Background())
	suite.Require().NoError(err)
	suite.Require().False(responded)

	// half a frame: consumed, no response yet
	port.Feed([]byte(`{"jsonrpc":`))
	responded, err = session.Poll(context.Background())
	suite.Require().NoError(err)
	suite.Require().False(responded)
	suite.Require().Equal(len(`{"jsonrpc":`), session.Pending())
	suite.Require().Empty(port.Output())
}

func (suite *ServerTestSuite) TestUnknownMethod() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":9,"method":"nope","params":[]}`+"\n")

	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":9,"error":{"code":-32601,"message":"Method not found","data":"nope"}}`,
	}, frames)
}

func (suite *ServerTestSuite) TestHandlerFailuresStillAnswer() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":1,"method":"panic","params":[]}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"silent","params":[]}`+"\n"+
			`{"jsonrpc":"2.0","id":3,"method":"first","params":[]}`+"\n")

	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"Internal error","data":"handler bug"}}`,
		`{"jsonrpc":"2.0","id":2,"error":{"code":-32603,"message":"Internal error","data":"handler produced no outcome"}}`,
		`{"jsonrpc":"2.0","id":3,"error":{"code":-32602,"message":"Invalid params","data":"Expected 1 param"}}`,
	}, frames)
}

func (suite *ServerTestSuite) TestStringifiedParams() {
	frames := suite.roundTrip(suite.newServer(Options{}),
		`{"jsonrpc":"2.0","id":1,"method":"first","params":[[1, 2]]}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"bytes","params":[]}`+"\n")

	suite.Require().Equal([]string{
		`{"jsonrpc":"2.0","id":1,"result":"[1,2]"}`,
		`{"jsonrpc":"2.0","id":2,"result":[0,10,255]}`,
	}, frames)
}

func (suite *ServerTestSuite) TestMiddlewareAndMetrics() {
	recorder, err := metrics.NewRecorder()
	suite.Require().NoError(err)

	svr := suite.newServer(Options{Metrics: recorder, BufferSize: 64})
	svr.Use(middleware.LoggingMiddleware(suite.logger))
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))

	frames := suite.roundTrip(svr,
		`{"jsonrpc":"2.0","id":1,"method":"echo","params":[]}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"echo","params":[]}`+"\n"+
			strings.Repeat("x", 80)+"\n")

	suite.Require().Len(frames, 4)
	suite.Require().Equal(`{"jsonrpc":"2.0","id":1,"result":"0"}`, frames[0])
	suite.Require().Equal(`{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"Server error","data":"rate limit exceeded"}}`, frames[1])
	suite.Require().Contains(frames[2], "too large")
	suite.Require().Contains(frames[3], `"code":-32700`)

	count, err := testutil.GatherAndCount(recorder.Gatherer(), "serial_rpc_frames_total")
	suite.Require().NoError(err)
	suite.Require().Equal(2, count, "complete and overflow series")
}

func (suite *ServerTestSuite) TestAnnounce() {
	svr := suite.newServer(Options{})
	port := transport.NewMemoryPort()

	suite.Require().NoError(svr.Announce(port, message.String("ready")))
	suite.Require().Equal([]string{`{"jsonrpc":"2.0","id":0,"result":"ready"}`}, port.Frames())
	suite.Require().Equal(1, port.Flushes())
}

func (suite *ServerTestSuite) TestRunUntilEOF() {
	svr := suite.newServer(Options{})
	port := transport.NewMemoryPort()
	port.Feed([]byte(`{"jsonrpc":"2.0","id":1,"method":"echo","params":[1]}` + "\n"))

	suite.Require().NoError(svr.NewSession(port).Run(context.Background()))
	suite.Require().Equal([]string{`{"jsonrpc":"2.0","id":1,"result":"1"}`}, port.Frames())
}

func (suite *ServerTestSuite) TestServeTCPWithRegistry() {
	svr := suite.newServer(Options{ServiceName: "board"})
	reg := registry.NewMemoryRegistry()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	suite.Require().NoError(err)
	addr := listener.Addr().String()
	listener.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svr.ListenAndServe("tcp", addr, "", reg)
	}()

	var conn net.Conn
	suite.Require().Eventually(func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	suite.Require().Eventually(func() bool {
		instances, _ := reg.Discover("board")
		return len(instances) == 1
	}, 2*time.Second, 10*time.Millisecond)

	instances, err := reg.Discover("board")
	suite.Require().NoError(err)
	suite.Require().Equal([]registry.Instance{{Addr: addr, Weight: 1, BufferSize: 350}}, instances)

	reader := bufio.NewReader(conn)
	for i := 1; i <= 3; i++ {
		_, err := conn.Write([]byte(`{"jsonrpc":"2.0","id":` + strconv.Itoa(i) + `,"method":"echo","params":["a"]}` + "\n"))
		suite.Require().NoError(err)

		line, err := reader.ReadString('\n')
		suite.Require().NoError(err)
		suite.Require().Equal(`{"jsonrpc":"2.0","id":`+strconv.Itoa(i)+`,"result":"1"}`+"\n", line)
	}

	suite.Require().NoError(svr.Shutdown(2 * time.Second))
	suite.Require().NoError(<-errCh)

	instances, err = reg.Discover("board")
	suite.Require().NoError(err)
	suite.Require().Empty(instances)
}

func (suite *ServerTestSuite) TestTimedOutHandlersNeverOverlap() {
	var running, maxRunning atomic.Int32
	suite.mux.HandleFunc("sleepy", func(ctx context.Context, req *message.Request) message.Outcome {
		now := running.Add(1)
		defer running.Add(-1)
		for {
			seen := maxRunning.Load()
			if now <= seen || maxRunning.CompareAndSwap(seen, now) {
				break
			}
		}

		// ignores ctx on purpose
		time.Sleep(100 * time.Millisecond)
		return message.Success(message.String("late"))
	})

	svr := suite.newServer(Options{})
	svr.Use(middleware.TimeOutMiddleware(10 * time.Millisecond))

	frames := suite.roundTrip(svr,
		`{"jsonrpc":"2.0","id":1,"method":"sleepy","params":[]}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"sleepy","params":[]}`+"\n"+
			`{"jsonrpc":"2.0","id":3,"method":"sleepy","params":[]}`+"\n")

	suite.Require().Len(frames, 3)
	for i, frame := range frames {
		suite.Require().Equal(`{"jsonrpc":"2.0","id":`+strconv.Itoa(i+1)+
			`,"error":{"code":-32000,"message":"Server error","data":"request timed out"}}`, frame)
	}
	suite.Require().Equal(int32(1), maxRunning.Load())
	suite.Require().Equal(int32(0), running.Load())
}

func (suite *ServerTestSuite) TestUnknownMethodsShareOneMetricSeries() {
	recorder, err := metrics.NewRecorder()
	suite.Require().NoError(err)
	svr := suite.newServer(Options{Metrics: recorder})

	var input strings.Builder
	for i := 0; i < 500; i++ {
		input.WriteString(`{"jsonrpc":"2.0","id":1,"method":"m` + strconv.Itoa(i) + `","params":[]}` + "\n")
	}
	input.WriteString(`{"jsonrpc":"2.0","id":2,"method":"echo","params":[]}` + "\n")

	frames := suite.roundTrip(svr, input.String())
	suite.Require().Len(frames, 501)

	count, err := testutil.GatherAndCount(recorder.Gatherer(), "serial_rpc_handler_duration_seconds")
	suite.Require().NoError(err)
	suite.Require().Equal(2, count, "echo and other series")
}

func (suite *ServerTestSuite) TestPollNeedsReceivedBytes() {
	svr := suite.newServer(Options{})

	var output bytes.Buffer
	stream := struct {
		io.Reader
		io.Writer
	}{strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo","params":[1]}` + "\n"), &output}
	session := svr.NewSession(transport.NewStreamPort(stream))

	// nothing is buffered yet, so Poll returns at once
	responded, err := session.Poll(context.Background())
	suite.Require().NoError(err)
	suite.Require().False(responded)
	suite.Require().Zero(output.Len())

	suite.Require().NoError(session.Run(context.Background()))
	suite.Require().Equal(`{"jsonrpc":"2.0","id":1,"result":"1"}`+"\n", output.String())
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
