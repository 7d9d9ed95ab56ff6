package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"ef-rpc/codec"
)

// gRPC carries envelopes as opaque bytes through a single unary method.
// There is no protobuf schema: the raw codec passes the encoded envelope
// through and the correlation id and codec type ride in the metadata.
const (
	grpcServiceName = "efrpc.Dispatcher"
	grpcMethod      = "/efrpc.Dispatcher/Call"
	grpcMDID        = "efrpc-id"
	grpcMDCodec     = "efrpc-codec"
)

// rawCodec marshals []byte and *[]byte as themselves.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("transport: raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: raw codec cannot unmarshal into %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "efrpc-raw" }

// GRPCClient runs every Send as an asynchronous unary call and delivers
// the reply, or the call's error, through the ReceiveFunc.
type GRPCClient struct {
	cc     *grpc.ClientConn
	opts   options
	recv   receiver
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewGRPCClient creates a client for target. Without dial options the
// connection is plaintext.
func NewGRPCClient(target string, dialOpts []grpc.DialOption, opts ...Option) (*GRPCClient, error) {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: grpc client: %w", err)
	}
	return &GRPCClient{cc: cc, opts: newOptions(opts)}, nil
}

func (c *GRPCClient) OnReceive(fn ReceiveFunc) { c.recv.set(fn) }

func (c *GRPCClient) Send(ctx context.Context, id string, payload []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	md := metadata.Pairs(grpcMDID, id, grpcMDCodec, strconv.Itoa(int(c.opts.codec)))
	ctx = metadata.NewOutgoingContext(ctx, md)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		var out []byte
		err := c.cc.Invoke(ctx, grpcMethod, payload, &out, grpc.ForceCodec(rawCodec{}))
		if err != nil {
			c.recv.deliver(id, nil, err)
			return
		}
		c.recv.deliver(id, out, nil)
	}()
	return nil
}

// Close closes the connection; calls still running fail and are delivered.
func (c *GRPCClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.cc.Close()
	c.wg.Wait()
	return err
}

// dispatcher is the HandlerType of the hand-written service description.
type dispatcher interface {
	call(ctx context.Context, payload []byte) ([]byte, error)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*dispatcher)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Call",
		Handler:    grpcCallHandler,
	}},
	Metadata: "efrpc",
}

func grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var in []byte
	if err := dec(&in); err != nil {
		return nil, err
	}
	d := srv.(dispatcher)
	if interceptor == nil {
		return d.call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return d.call(ctx, req.([]byte))
	})
}

// GRPCServer serves the dispatcher service with a Handler.
type GRPCServer struct {
	srv     *grpc.Server
	handler Handler
}

// NewGRPCServer builds the server. Extra grpc server options (credentials,
// interceptors) are passed through.
func NewGRPCServer(handler Handler, serverOpts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{handler: handler}
	s.srv = grpc.NewServer(append(serverOpts, grpc.ForceServerCodec(rawCodec{}))...)
	s.srv.RegisterService(&grpcServiceDesc, s)
	return s
}

func (s *GRPCServer) call(ctx context.Context, payload []byte) ([]byte, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	id := first(md.Get(grpcMDID))
	ct, err := strconv.Atoi(first(md.Get(grpcMDCodec)))
	if err != nil || codec.GetCodec(codec.CodecType(ct)) == nil {
		return nil, fmt.Errorf("transport: unsupported codec %q", first(md.Get(grpcMDCodec)))
	}
	return s.handler(ctx, codec.CodecType(ct), id, payload), nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Serve blocks serving lis until Stop or GracefulStop.
func (s *GRPCServer) Serve(lis net.Listener) error { return s.srv.Serve(lis) }

// GracefulStop waits for running calls to finish.
func (s *GRPCServer) GracefulStop() { s.srv.GracefulStop() }

func (s *GRPCServer) Stop() { s.srv.Stop() }
