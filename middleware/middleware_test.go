package middleware

import (
	"context"
	"serial-rpc/message"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuclio/zap"
	"github.com/stretchr/testify/require"
)

// 模拟一个简单的 handler：返回参数个数
func countHandler(ctx context.Context, req *message.Request) message.Outcome {
	return message.Success(message.String(string(rune('0' + len(req.Params)))))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) message.Outcome {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.Success(message.String("late"))
}

func failingHandler(ctx context.Context, req *message.Request) message.Outcome {
	return message.Failure(message.CodeMethodNotFound, "Method not found", req.Method)
}

func newRequest() *message.Request {
	return &message.Request{ID: 1, Method: "echo", Params: []string{"a", "b"}}
}

func TestHandlerFuncSatisfiesHandler(t *testing.T) {
	var h Handler = HandlerFunc(countHandler)
	outcome := h.ServeRPC(context.Background(), newRequest())
	require.Equal(t, message.String("2"), outcome.Result)
}

func TestLogging(t *testing.T) {
	logger, err := nucliozap.NewNuclioZapTest("test")
	require.NoError(t, err)

	handler := LoggingMiddleware(logger)(countHandler)
	outcome := handler(context.Background(), newRequest())
	require.Equal(t, message.String("2"), outcome.Result)

	handler = LoggingMiddleware(logger)(failingHandler)
	outcome = handler(context.Background(), newRequest())
	require.NotNil(t, outcome.Error)
	require.Equal(t, message.CodeMethodNotFound, outcome.Error.Code)
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(countHandler)
	outcome := handler(context.Background(), newRequest())
	require.Nil(t, outcome.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	outcome := handler(context.Background(), newRequest())

	require.NotNil(t, outcome.Error)
	require.Equal(t, message.CodeServerError, outcome.Error.Code)
	require.NotNil(t, outcome.Error.Data)
	require.Equal(t, "request timed out", *outcome.Error.Data)
}

func TestTimeoutWaitsForHandler(t *testing.T) {
	// handler 不理会 ctx，超时后也要等它返回
	var finished atomic.Bool
	stubborn := func(ctx context.Context, req *message.Request) message.Outcome {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return message.Success(message.String("late"))
	}

	start := time.Now()
	outcome := TimeOutMiddleware(10 * time.Millisecond)(stubborn)(context.Background(), newRequest())

	require.True(t, finished.Load())
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.NotNil(t, outcome.Error)
	require.Equal(t, "request timed out", *outcome.Error.Data)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(countHandler)

	for i := 0; i < 2; i++ {
		outcome := handler(context.Background(), newRequest())
		require.Nil(t, outcome.Error, "request %d should pass", i)
	}

	outcome := handler(context.Background(), newRequest())
	require.NotNil(t, outcome.Error)
	require.Equal(t, message.CodeServerError, outcome.Error.Code)
	require.Equal(t, "rate limit exceeded", *outcome.Error.Data)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) message.Outcome {
				order = append(order, name+".before")
				outcome := next(ctx, req)
				order = append(order, name+".after")
				return outcome
			}
		}
	}

	handler := Chain(mark("A"), mark("B"))(countHandler)
	outcome := handler(context.Background(), newRequest())

	require.Nil(t, outcome.Error)
	require.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}

func TestRecoverPanic(t *testing.T) {
	logger, err := nucliozap.NewNuclioZapTest("test")
	require.NoError(t, err)

	panicking := func(ctx context.Context, req *message.Request) message.Outcome {
		panic("boom")
	}
	outcome := RecoverMiddleware(logger)(panicking)(context.Background(), newRequest())

	require.NotNil(t, outcome.Error)
	require.Equal(t, message.CodeInternalError, outcome.Error.Code)
	require.Equal(t, "Internal error", outcome.Error.Message)
	require.Equal(t, "boom", *outcome.Error.Data)
}

func TestRecoverEmptyOutcome(t *testing.T) {
	logger, err := nucliozap.NewNuclioZapTest("test")
	require.NoError(t, err)

	silent := func(ctx context.Context, req *message.Request) message.Outcome {
		return message.Outcome{}
	}
	outcome := RecoverMiddleware(logger)(silent)(context.Background(), newRequest())

	require.NotNil(t, outcome.Error)
	require.Equal(t, message.CodeInternalError, outcome.Error.Code)
}
