package middleware

import (
	"context"

	"go.uber.org/zap"

	"ef-rpc/breaker"
	"ef-rpc/message"
	"ef-rpc/retry"
)

// RetryMiddleware runs next as a series of attempts under the policy's retry
// and circuit breaker settings. Every attempt after the first is sent as a
// reissued request with its own message id; the final response is addressed
// back to the original request.
func RetryMiddleware(breakers *breaker.Group, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			p, ok := PolicyFrom(ctx)
			if !ok {
				return next(ctx, req)
			}
			exec := retry.Executor{Policy: p, Logger: logger}
			if p.CircuitBreaker.Enabled && breakers != nil {
				key := breaker.Key(p.CircuitBreaker.Scope, req.ServiceName(), req.MethodName(), req.Version())
				exec.Breaker = breakers.Get(key, breaker.SettingsFrom(p.CircuitBreaker))
			}
			resp := exec.Do(ctx, req.ServiceName(), req.MethodName(), func(ctx context.Context, n int) *message.Response {
				if n == 1 {
					return next(ctx, req)
				}
				return next(ctx, req.Reissue())
			})
			if resp.RequestID() != req.MessageID() {
				resp = resp.WithRequestID(req.MessageID())
			}
			return resp
		}
	}
}
