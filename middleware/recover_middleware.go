package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
	"serial-rpc/message"

	"github.com/nuclio/logger"
)

// RecoverMiddleware turns a handler panic, or a handler that returned neither a result nor an
// error, into an InternalError so the request still gets exactly one response.
func RecoverMiddleware(parentLogger logger.Logger) Middleware {
	log := parentLogger.GetChild("recover")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (outcome message.Outcome) {
			defer func() {
				if r := recover(); r != nil {
					log.ErrorWith("Handler panicked",
						"method", req.Method,
						"panic", r,
						"stack", string(debug.Stack()))
					outcome = message.Failure(message.CodeInternalError,
						message.CodeInternalError.Message(),
						fmt.Sprint(r))
				}
			}()

			outcome = next(ctx, req)
			if outcome.Empty() {
				return message.Failure(message.CodeInternalError,
					message.CodeInternalError.Message(),
					"handler produced no outcome")
			}
			return outcome
		}
	}
}
