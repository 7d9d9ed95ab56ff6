package server

import (
	"context"

	"go.uber.org/zap"

	"ef-rpc/message"
	"ef-rpc/middleware"
	"ef-rpc/ratelimit"
	"ef-rpc/registry"
	"ef-rpc/rpcerr"
	"ef-rpc/stats"
)

// Router dispatches request envelopes to registered services. It is the
// transport-independent half of the server: the TCP loop, the byte-level
// Handle used by the other transports and the HTTP gateway all end here.
//
// Every request runs through
//
//	stats → recover → logging → resolve → [user middlewares] → rate limit → timeout → invoke
//
// resolve finds the service and method and attaches the method policy to the
// context; the steps after it read the policy from there. Unrelated requests
// never wait on each other.
type Router struct {
	registry *registry.Registry
	stats    *stats.Recorder
	limiters *ratelimit.Group
	logger   *zap.Logger
	handler  middleware.HandlerFunc
}

type serviceKey struct{}

// NewRouter builds the dispatch chain once. extra runs after resolution,
// so it sees the method policy.
func NewRouter(reg *registry.Registry, rec *stats.Recorder, logger *zap.Logger, extra ...middleware.Middleware) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry: reg,
		stats:    rec,
		limiters: ratelimit.NewGroup(),
		logger:   logger,
	}
	mws := []middleware.Middleware{
		middleware.StatsMiddleware(rec),
		middleware.RecoverMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		r.resolve,
	}
	mws = append(mws, extra...)
	mws = append(mws,
		middleware.RateLimitMiddleware(r.limiters),
		middleware.TimeoutMiddleware(),
	)
	r.handler = middleware.Chain(mws...)(r.invoke)
	return r
}

// Dispatch handles one request and never returns nil. The response answers
// req.MessageID().
func (r *Router) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	return r.handler(ctx, req)
}

func (r *Router) resolve(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		svc, err := r.registry.Resolve(req.ServiceName(), req.Version())
		if err != nil {
			return message.Failure(req.MessageID(), err)
		}
		if svc.Status() == registry.Stopped {
			return message.Failure(req.MessageID(), rpcerr.New(rpcerr.ServiceNotFound, req.ServiceName(), req.MethodName(),
				"%s is stopped", svc.Key()))
		}
		if _, ok := svc.Method(req.MethodName()); !ok {
			return message.Failure(req.MessageID(), rpcerr.New(rpcerr.MethodNotFound, req.ServiceName(), req.MethodName(),
				"no such method on %s", svc.Key()))
		}
		ctx = context.WithValue(ctx, serviceKey{}, svc)
		ctx = middleware.WithPolicy(ctx, svc.Policy.For(req.MethodName()))
		return next(ctx, req)
	}
}

func (r *Router) invoke(ctx context.Context, req *message.Request) *message.Response {
	svc, ok := ctx.Value(serviceKey{}).(*registry.Service)
	if !ok {
		return message.Failure(req.MessageID(), rpcerr.New(rpcerr.ServiceNotFound, req.ServiceName(), req.MethodName(),
			"request was not resolved"))
	}
	result, failure := svc.Invoke(ctx, req)
	if failure != nil {
		return message.Failure(req.MessageID(), failure)
	}
	return message.Success(req.MessageID(), result)
}
