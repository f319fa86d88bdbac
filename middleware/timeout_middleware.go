package middleware

import (
	"context"
	"serial-rpc/message"
	"time"
)

// TimeOutMiddleware answers with a server error when the handler outlives timeout.
// The handler's context is cancelled at the deadline, but the error is only returned once the
// handler has come back: the device never runs two handlers at once. A late outcome is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) message.Outcome {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan message.Outcome, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case outcome := <-done:
				return outcome
			case <-ctx.Done():
				<-done
				return message.Failure(message.CodeServerError, message.CodeServerError.Message(), "request timed out")
			}
		}
	}
}
