package middleware

import (
	"context"
	"serial-rpc/message"
	"time"

	"github.com/nuclio/logger"
)

func LoggingMiddleware(parentLogger logger.Logger) Middleware {
	log := parentLogger.GetChild("rpc")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) message.Outcome {
			start := time.Now()
			outcome := next(ctx, req)
			duration := time.Since(start)

			if outcome.Error != nil {
				log.WarnWith("Request failed",
					"id", req.ID,
					"method", req.Method,
					"duration", duration,
					"code", int32(outcome.Error.Code),
					"message", outcome.Error.Message)
				return outcome
			}

			log.DebugWith("Request handled",
				"id", req.ID,
				"method", req.Method,
				"params", len(req.Params),
				"duration", duration)
			return outcome
		}
	}
}
