// Package middleware wraps the provider's dispatch with cross-cutting
// behavior. A middleware never turns dispatch partial: whatever it does, the
// wrapped handler still yields exactly one Response per Request.
package middleware

import (
	"context"

	"knrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
