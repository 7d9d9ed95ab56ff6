// Package server implements the RPC server: service registration, the
// dispatch router, TCP serving with parallel request processing, and
// graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Handle: codec.Decode → Router.Dispatch → codec.Encode → write response
//
// NATS, AMQP and gRPC servers from package transport call Handle directly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ef-rpc/codec"
	"ef-rpc/discovery"
	"ef-rpc/message"
	"ef-rpc/middleware"
	"ef-rpc/policy"
	"ef-rpc/protocol"
	"ef-rpc/registry"
	"ef-rpc/rpcerr"
	"ef-rpc/stats"
	"ef-rpc/transport"
)

// Server registers services and serves them over TCP and any transport
// that takes a transport.Handler.
type Server struct {
	registry *registry.Registry
	router   *Router
	stats    *stats.Recorder
	logger   *zap.Logger
	maxBody  uint32
	extra    []middleware.Middleware

	discovery     discovery.Discovery // nil if not using discovery
	advertiseAddr string              // Address announced in discovery (e.g. "127.0.0.1:9000")
	weight        int
	ttl           int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	serving  atomic.Bool

	wg       sync.WaitGroup // In-flight requests, for graceful shutdown
	shutdown atomic.Bool    // Set during shutdown to suppress Accept errors
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDiscovery announces every service at advertiseAddr while serving.
// The advertise address differs from the listen address because ":9000"
// is not routable from other hosts.
func WithDiscovery(d discovery.Discovery, advertiseAddr string, weight int) Option {
	return func(s *Server) {
		s.discovery = d
		s.advertiseAddr = advertiseAddr
		s.weight = weight
	}
}

// WithTTL sets the discovery lease in seconds. Default 10.
func WithTTL(seconds int64) Option { return func(s *Server) { s.ttl = seconds } }

// WithMaxMessageSize bounds inbound frame bodies.
func WithMaxMessageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = uint32(n)
		}
	}
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *registry.Registry) Option { return func(s *Server) { s.registry = reg } }

// WithMiddleware adds middlewares to the dispatch chain, after service
// resolution and before rate limiting.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.extra = append(s.extra, mws...) }
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		stats:  stats.NewRecorder(),
		logger: zap.NewNop(),
		ttl:    10,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = registry.New(registry.WithLogger(s.logger))
	}
	s.router = NewRouter(s.registry, s.stats, s.logger, s.extra...)
	s.registry.AddListener(s.onRegistryEvent)
	return s
}

// Register binds impl to (name, version) with its method policies. A zero
// policy set applies policy.DefaultSet. While serving, the service is also
// announced in discovery.
func (s *Server) Register(name, version string, impl any, p policy.Set) (*registry.Service, error) {
	svc, err := s.registry.Register(name, version, impl, p)
	if err != nil {
		return nil, err
	}
	if s.serving.Load() {
		_ = s.registry.SetStatus(svc.Name, svc.Version, registry.Running)
	}
	return svc, nil
}

// Unregister removes (name, version) and withdraws it from discovery.
func (s *Server) Unregister(name, version string) error {
	return s.registry.Unregister(name, version)
}

// Services lists the registrations sorted by key.
func (s *Server) Services() []*registry.Service { return s.registry.List() }

// Registry exposes the service registry, e.g. to add lifecycle listeners.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Router exposes the dispatch router for in-process callers.
func (s *Server) Router() *Router { return s.router }

// Stats returns the server-side counters.
func (s *Server) Stats() stats.Snapshot { return s.stats.Snapshot() }

// StatsSource exposes the recorder to exporters.
func (s *Server) StatsSource() stats.Source { return s.stats }

// onRegistryEvent keeps discovery in step with the registry while serving.
func (s *Server) onRegistryEvent(ev registry.Event, svc *registry.Service) {
	if s.discovery == nil || !s.serving.Load() {
		return
	}
	switch ev {
	case registry.EventStatusChanged:
		if svc.Status() == registry.Running {
			s.announce(svc)
		}
	case registry.EventUnregistered:
		s.withdraw(svc)
	}
}

func (s *Server) announce(svc *registry.Service) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	inst := discovery.Instance{Addr: s.advertiseAddr, Weight: s.weight, Version: svc.Version}
	if err := s.discovery.Register(ctx, svc.Key(), inst, s.ttl); err != nil {
		s.logger.Error("discovery register failed", zap.String("service", svc.Key()), zap.Error(err))
	}
}

func (s *Server) withdraw(svc *registry.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.discovery.Deregister(ctx, svc.Key(), s.advertiseAddr); err != nil {
		s.logger.Warn("discovery deregister failed", zap.String("service", svc.Key()), zap.Error(err))
	}
}

// ListenAndServe listens on the TCP address and serves it.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve marks every service Running, announces them in discovery and
// accepts connections on lis until Shutdown. It returns nil after Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.Start()
	s.logger.Info("server listening", zap.String("addr", lis.Addr().String()))

	// Accept loop: one goroutine per connection
	for {
		conn, err := lis.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// Start marks every service Running and announces it. Serve calls it;
// servers fed only by other transports call it themselves.
func (s *Server) Start() {
	if s.serving.CompareAndSwap(false, true) {
		s.registry.SetAllStatus(registry.Running)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// handleConn reads frames from one connection. Reads are sequential (one
// reader per connection) but each request is processed on its own
// goroutine, so a slow handler never holds up the requests behind it.
//
// The per-connection write lock is shared by all of them: responses must
// not interleave on the wire.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn, s.maxBody)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !s.shutdown.Load() {
				s.logger.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return
		}

		// Heartbeats only keep the connection alive
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		s.wg.Add(1)
		go s.handleRequest(header, body, conn, writeMu)
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	reply := s.Handle(s.ctx, codec.CodecType(header.CodecType), header.ID, body)

	writeMu.Lock()
	defer writeMu.Unlock()
	// The response frame carries the request's id; that is how the client
	// matches it.
	err := protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		ID:        header.ID,
	}, reply)
	if err != nil {
		s.logger.Warn("failed to write response", zap.String("id", header.ID), zap.Error(err))
	}
}

// Handle decodes one request, dispatches it and encodes the response with
// the same codec. It implements transport.Handler. An undecodable request
// gets a SerializationError response addressed to id.
func (s *Server) Handle(ctx context.Context, ct codec.CodecType, id string, payload []byte) []byte {
	c := codec.GetCodec(ct)
	if c == nil {
		return s.encode(codec.GetCodec(codec.CodecTypeJSON), id, message.Failure(id,
			rpcerr.New(rpcerr.SerializationError, "", "", "unsupported codec %d", ct)))
	}

	var req message.Request
	if err := c.Decode(payload, &req); err != nil {
		return s.encode(c, id, message.Failure(id, rpcerr.Wrap(rpcerr.SerializationError, "", "", err)))
	}
	return s.encode(c, id, s.router.Dispatch(ctx, &req))
}

// encode falls back to a SerializationError response when the result
// itself cannot be encoded.
func (s *Server) encode(c codec.Codec, id string, resp *message.Response) []byte {
	out, err := c.Encode(resp)
	if err == nil {
		return out
	}
	s.logger.Warn("failed to encode response", zap.String("id", id), zap.Error(err))
	f := rpcerr.New(rpcerr.SerializationError, "", "", "encode response: %v", err)
	out, err = c.Encode(message.Failure(resp.RequestID(), f))
	if err != nil {
		return nil
	}
	return out
}

// Handler returns Handle as a transport.Handler.
func (s *Server) Handler() transport.Handler { return s.Handle }

// Shutdown performs graceful shutdown:
//  1. Withdraw every service from discovery (clients stop routing here)
//  2. Set the shutdown flag (so the Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish, up to timeout
//  5. Close the remaining connections and mark every service Stopped
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.discovery != nil && s.serving.Load() {
		for _, svc := range s.registry.List() {
			s.withdraw(svc)
		}
	}
	s.serving.Store(false)

	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing requests to finish")
	}

	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.registry.SetAllStatus(registry.Stopped)
	s.logger.Info("server stopped", zap.Error(err))
	return err
}
