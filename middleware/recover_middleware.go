package middleware

import (
	"context"

	"go.uber.org/zap"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

// RecoverMiddleware turns a panic further down the chain into an
// ApplicationError response.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in handler", zap.String("method", req.MethodKey()), zap.Any("panic", r))
					resp = message.Failure(req.MessageID(), rpcerr.New(rpcerr.ApplicationError, req.ServiceName(), req.MethodName(), "panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
