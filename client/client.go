// Package client turns local calls into correlated, policy-governed
// exchanges over a transport.
//
// Every call runs through one pipeline:
//
//	Stats → Cache → RateLimit → Retry(+Breaker) → send
//
// send registers the call in the pending table under the request's message
// id, encodes the request and hands it to the transport, then waits for the
// matching response or the policy deadline. The transport's receive
// callback resolves pending calls by correlation id.
package client

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ef-rpc/breaker"
	"ef-rpc/cache"
	"ef-rpc/codec"
	"ef-rpc/discovery"
	"ef-rpc/message"
	"ef-rpc/middleware"
	"ef-rpc/pending"
	"ef-rpc/policy"
	"ef-rpc/ratelimit"
	"ef-rpc/rpcerr"
	"ef-rpc/stats"
	"ef-rpc/transport"
)

type Client struct {
	transport transport.Transport
	codec     codec.Codec
	pending   *pending.Table
	stats     *stats.Recorder
	results   *cache.Results
	limiters  *ratelimit.Group
	breakers  *breaker.Group
	discovery discovery.Discovery
	policies  policy.Set
	logger    *zap.Logger
	extra     []middleware.Middleware

	pipeline middleware.HandlerFunc
	closed   atomic.Bool
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCodec sets the serializer. It must match the codec the transport
// frames with; the default is JSON.
func WithCodec(cd codec.Codec) Option { return func(c *Client) { c.codec = cd } }

// WithDiscovery lets IsServiceAvailable consult d.
func WithDiscovery(d discovery.Discovery) Option { return func(c *Client) { c.discovery = d } }

// WithPolicies sets the policies used by Invoke and by proxies created with
// a zero policy set.
func WithPolicies(s policy.Set) Option { return func(c *Client) { c.policies = s } }

// WithMiddleware adds middlewares between rate limiting and retry.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.extra = append(c.extra, mws...) }
}

// WithBreakers shares a breaker group between clients.
func WithBreakers(g *breaker.Group) Option { return func(c *Client) { c.breakers = g } }

// New builds a client over t and installs its receive callback.
func New(t transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		codec:     codec.GetCodec(codec.CodecTypeJSON),
		pending:   pending.New(),
		stats:     stats.NewRecorder(),
		results:   cache.NewResults(),
		limiters:  ratelimit.NewGroup(),
		policies:  policy.DefaultSet(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = breaker.NewGroup(breaker.WithLogger(c.logger))
	}

	mws := []middleware.Middleware{
		middleware.StatsMiddleware(c.stats),
		middleware.CacheMiddleware(c.results),
		middleware.RateLimitMiddleware(c.limiters),
	}
	mws = append(mws, c.extra...)
	mws = append(mws, middleware.RetryMiddleware(c.breakers, c.logger))
	c.pipeline = middleware.Chain(mws...)(c.send)

	t.OnReceive(c.receive)
	return c
}

// Invoke runs req through the pipeline under policy p and waits for the
// outcome, whatever p.Async says; Submit is the entry point that honours
// it. The response is never nil; failures carry an *rpcerr.Error.
func (c *Client) Invoke(ctx context.Context, req *message.Request, p policy.Method) *message.Response {
	if c.closed.Load() {
		return message.Failure(req.MessageID(), rpcerr.New(rpcerr.TransportError,
			req.ServiceName(), req.MethodName(), "client closed"))
	}
	return c.pipeline(middleware.WithPolicy(ctx, p), req)
}

// Dispatch starts Invoke on its own goroutine and returns its handle.
func (c *Client) Dispatch(ctx context.Context, req *message.Request, p policy.Method) *Call {
	call := newCall(req)
	go func() { call.finish(c.Invoke(ctx, req, p)) }()
	return call
}

// Submit honours p.Async: an async call returns at once with the call in
// flight, any other returns the completed call.
func (c *Client) Submit(ctx context.Context, req *message.Request, p policy.Method) *Call {
	if p.Async {
		return c.Dispatch(ctx, req, p)
	}
	call := newCall(req)
	call.finish(c.Invoke(ctx, req, p))
	return call
}

// send is the innermost step: one attempt on the wire.
func (c *Client) send(ctx context.Context, req *message.Request) *message.Response {
	p, _ := middleware.PolicyFrom(ctx)
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = policy.Default().Timeout
	}
	id := req.MessageID()

	call, err := c.pending.Register(id, time.Now().Add(timeout))
	if err != nil {
		return c.stamp(req, message.Failure(id, rpcerr.Wrap(rpcerr.TransportError, "", "", err)))
	}

	payload, err := c.codec.Encode(req)
	if err != nil {
		c.pending.Cancel(id, rpcerr.Wrap(rpcerr.SerializationError, "", "", err))
	} else if err := c.transport.Send(transport.WithTarget(ctx, req.ServiceName(), req.Version()), id, payload); err != nil {
		c.pending.Cancel(id, rpcerr.Wrap(rpcerr.TransportError, "", "", err))
	}
	resp := call.Wait(ctx)
	if f := resp.Failure(); f != nil && (f.Kind == rpcerr.Timeout || f.Kind == rpcerr.Canceled) {
		if fg, ok := c.transport.(transport.Forgetter); ok {
			fg.Forget(id)
		}
	}
	return c.stamp(req, resp)
}

// stamp names the service and method on failures that were raised before
// they were known, e.g. by the pending table or the transport.
func (c *Client) stamp(req *message.Request, resp *message.Response) *message.Response {
	f := resp.Failure()
	if f == nil || (f.Service != "" && f.Method != "") {
		return resp
	}
	e := *f
	if e.Service == "" {
		e.Service = req.ServiceName()
	}
	if e.Method == "" {
		e.Method = req.MethodName()
	}
	return resp.WithFailure(&e)
}

// receive resolves the pending call a transport delivery belongs to.
func (c *Client) receive(id string, payload []byte, err error) {
	if err != nil {
		c.pending.Cancel(id, rpcerr.Wrap(rpcerr.TransportError, "", "", err))
		return
	}
	var resp message.Response
	if err := c.codec.Decode(payload, &resp); err != nil {
		c.pending.Cancel(id, rpcerr.Wrap(rpcerr.SerializationError, "", "", err))
		return
	}
	if !c.pending.Resolve(id, &resp) {
		c.logger.Debug("dropping response for unknown call", zap.String("id", id))
	}
}

// Service returns a proxy for (name, version). A zero policy set uses the
// client's policies.
func (c *Client) Service(name, version string, policies policy.Set) *Proxy {
	if policies.IsZero() {
		policies = c.policies
	}
	return &Proxy{client: c, name: name, version: version, policies: policies}
}

// IsServiceAvailable reports whether (name, version) has at least one
// instance. Without discovery it asks the transport when it can resolve
// instances, and otherwise assumes the service is reachable.
func (c *Client) IsServiceAvailable(ctx context.Context, name, version string) bool {
	if version == "" {
		version = message.DefaultVersion
	}
	if c.discovery != nil {
		insts, err := c.discovery.Discover(ctx, message.ServiceKey(name, version))
		return err == nil && len(insts) > 0
	}
	if r, ok := c.transport.(interface {
		Instances(context.Context, transport.Target) ([]discovery.Instance, error)
	}); ok {
		insts, err := r.Instances(ctx, transport.Target{Service: name, Version: version})
		return err == nil && len(insts) > 0
	}
	return true
}

// Stats returns the client-side counters.
func (c *Client) Stats() stats.Snapshot { return c.stats.Snapshot() }

// StatsSource exposes the recorder to exporters.
func (c *Client) StatsSource() stats.Source { return c.stats }

// Breakers reports the state of every breaker created so far.
func (c *Client) Breakers() map[string]breaker.State { return c.breakers.States() }

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int { return c.pending.Len() }

// Close fails every pending call with TransportError and closes the
// transport.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := c.pending.Close(); n > 0 {
		c.logger.Info("failed pending calls on close", zap.Int("calls", n))
	}
	return c.transport.Close()
}
