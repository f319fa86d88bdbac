package middleware

import (
	"context"
	"serial-rpc/message"
)

// Handler is the application side of the engine: it interprets method and params and returns
// exactly one outcome. Unknown methods are the handler's to report (CodeMethodNotFound).
type Handler interface {
	ServeRPC(ctx context.Context, req *message.Request) message.Outcome
}

type HandlerFunc func(ctx context.Context, req *message.Request) message.Outcome

func (f HandlerFunc) ServeRPC(ctx context.Context, req *message.Request) message.Outcome {
	return f(ctx, req)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
