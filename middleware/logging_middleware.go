package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"knrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("methodSign", req.MethodSign),
				zap.Duration("duration", time.Since(start)),
			}
			if !resp.Status {
				logger.Warn("rpc failed", append(fields, zap.String("error", resp.Ex))...)
				return resp
			}
			logger.Info("rpc handled", fields...)
			return resp
		}
	}
}
