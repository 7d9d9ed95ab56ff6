package middleware

import (
	"context"

	"ef-rpc/message"
	"ef-rpc/ratelimit"
	"ef-rpc/rpcerr"
)

// RateLimitMiddleware admits requests through one limiter per method key,
// built from the policy the first time the key is seen. A rejected request
// gets a RateLimited failure and never reaches next.
func RateLimitMiddleware(limiters *ratelimit.Group) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			p, ok := PolicyFrom(ctx)
			if !ok || !p.RateLimit.Enabled {
				return next(ctx, req)
			}
			allowed, err := limiters.Allow(req.MethodKey(), p.RateLimit)
			if err != nil {
				return message.Failure(req.MessageID(), rpcerr.Wrap(rpcerr.InvalidArgument, req.ServiceName(), req.MethodName(), err))
			}
			if !allowed {
				return message.Failure(req.MessageID(), rpcerr.New(rpcerr.RateLimited, req.ServiceName(), req.MethodName(),
					"rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
