package middleware

import (
	"context"
	"time"

	"ef-rpc/message"
	"ef-rpc/stats"
)

// StatsMiddleware records every response in rec. Cache hits are recorded
// as such and leave the response time figures alone.
func StatsMiddleware(rec *stats.Recorder) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			if IsCacheHit(resp) {
				rec.RecordCacheHit()
				return resp
			}
			rec.Record(resp, time.Since(start))
			return resp
		}
	}
}

// IsCacheHit reports whether resp was served from the result cache.
func IsCacheHit(resp *message.Response) bool {
	v, _ := resp.MetadataValue(message.MetadataCacheHit)
	hit, _ := v.(bool)
	return hit
}
