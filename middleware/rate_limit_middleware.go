package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"knrpc/internal/errs"
	"knrpc/message"
)

// RateLimitMiddleware admits r requests per second with bursts of up to
// burst, using a token bucket shared by every service of the provider.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(fmt.Errorf("%w: rate limit exceeded", errs.ErrInvocation))
			}
			return next(ctx, req)
		}
	}
}
