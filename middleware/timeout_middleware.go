package middleware

import (
	"context"
	"errors"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

// TimeoutMiddleware bounds a request by its policy timeout. The handler keeps
// running after the deadline; it sees the cancelled context and may stop
// early, but the caller already has its Timeout failure.
func TimeoutMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			p, ok := PolicyFrom(ctx)
			if !ok || p.Timeout <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, p.Timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return message.Failure(req.MessageID(), rpcerr.New(rpcerr.Timeout, req.ServiceName(), req.MethodName(),
						"handler exceeded %v", p.Timeout))
				}
				return message.Failure(req.MessageID(), rpcerr.Wrap(rpcerr.Canceled, req.ServiceName(), req.MethodName(), ctx.Err()))
			}
		}
	}
}
