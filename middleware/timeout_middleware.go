package middleware

import (
	"context"
	"errors"
	"time"

	"chanrpc/message"
)

type outcome struct {
	result any
	err    error
}

// Timeout bounds handler execution. A handler still running at the deadline
// is abandoned (its context is canceled) and the caller gets
// KindDeadlineExceeded. If the parent context is canceled first, such as
// by a server shutting down, the caller gets KindCanceled instead.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: message.NewError(message.KindPanic, "%v", r)}
					}
				}()
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil, message.NewError(message.KindCanceled, "%s canceled: %v", req.Command, context.Cause(ctx))
				}
				return nil, message.NewError(message.KindDeadlineExceeded, "%s timed out after %s", req.Command, timeout)
			}
		}
	}
}
