package middleware

import (
	"context"
	"fmt"
	"time"

	"knrpc/internal/errs"
	"knrpc/message"
)

// TimeOutMiddleware answers with a failure once timeout elapses. The
// provider method itself is not interrupted and runs to completion in the
// background; its late result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(context.WithoutCancel(ctx), req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(fmt.Errorf("%w: request timed out after %s", errs.ErrInvocation, timeout))
			}
		}
	}
}
