package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ef-rpc/message"
)

// LoggingMiddleware logs every request with its duration. Failures are
// logged at warn level with their kind.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.MethodKey()),
				zap.String("id", req.MessageID()),
				zap.Duration("duration", time.Since(start)),
			}
			if f := resp.Failure(); f != nil {
				logger.Warn("rpc failed", append(fields, zap.Stringer("kind", f.Kind), zap.String("error", f.Message))...)
				return resp
			}
			logger.Debug("rpc handled", fields...)
			return resp
		}
	}
}
