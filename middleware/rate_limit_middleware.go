package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"chanrpc/message"
)

// RateLimit admits calls through a token bucket of r tokens per second and
// the given burst. Rejected calls fail with KindRateLimited.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (any, error) {
			if !limiter.Allow() {
				return nil, message.NewError(message.KindRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
