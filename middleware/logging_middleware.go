package middleware

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"chanrpc/message"
)

// Logging logs every call with its duration; failures are logged at warn
// level together with their kind.
func Logging(logger hclog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("call failed", "command", req.Command, "duration", duration,
					"kind", message.ErrorFrom(err).Kind, "error", err)
				return result, err
			}
			logger.Debug("call", "command", req.Command, "duration", duration)
			return result, nil
		}
	}
}
