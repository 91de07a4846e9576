package middleware

import (
	"context"
	"runtime/debug"

	"github.com/hashicorp/go-hclog"

	"chanrpc/message"
)

// Recovery turns a handler panic into a KindPanic error and logs the stack.
func Recovery(logger hclog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
					result, err = nil, message.NewError(message.KindPanic, "%v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
