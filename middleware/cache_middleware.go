package middleware

import (
	"context"

	"ef-rpc/cache"
	"ef-rpc/message"
)

// CacheMiddleware answers repeated calls from the result cache when the
// policy enables it. A hit skips everything further down the chain and is
// marked with the cacheHit metadata entry. Only successful results are
// stored.
func CacheMiddleware(results *cache.Results) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			p, ok := PolicyFrom(ctx)
			if !ok || !p.Cache.Enabled {
				return next(ctx, req)
			}
			args := req.Args()
			if v, hit := results.Get(req.MethodKey(), args, p.Cache); hit {
				return message.Success(req.MessageID(), v).WithMetadata(message.MetadataCacheHit, true)
			}
			resp := next(ctx, req)
			if resp.IsSuccess() {
				_ = results.Put(req.MethodKey(), args, p.Cache, resp.Result())
			}
			return resp
		}
	}
}
