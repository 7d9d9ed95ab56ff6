// Package transport moves encoded envelopes between clients and servers.
//
// The dispatch core only needs two things from a transport: send a payload
// tagged with a correlation id, and deliver inbound payloads tagged the same
// way. Everything else (framing, connection pooling, reply routing) stays
// behind the Transport interface.
//
//	client ── Send(id, payload) ──► wire ──► Handler(ctx, codec, id, payload)
//	client ◄── ReceiveFunc(id, payload, err) ◄── wire ◄── response bytes
//
// Five wire implementations live here: multiplexed TCP, NATS, AMQP, MQTT
// and gRPC.
package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ef-rpc/codec"
	"ef-rpc/discovery"
	"ef-rpc/loadbalance"
	"ef-rpc/message"
)

// ReceiveFunc is called for every inbound response. A non-nil err means the
// call with that id will never get a payload (broken connection, remote
// invocation failure).
type ReceiveFunc func(id string, payload []byte, err error)

// Transport is the client side of a wire.
type Transport interface {
	// Send hands payload to the wire. A nil error means the payload left;
	// the answer, if any, arrives through the ReceiveFunc.
	Send(ctx context.Context, id string, payload []byte) error
	// OnReceive installs the inbound callback, replacing any previous one.
	OnReceive(fn ReceiveFunc)
	Close() error
}

// Forgetter is implemented by transports that hold per-call state until an
// answer arrives. Forget drops that state for a call nobody waits for any
// more; a late answer for id is then discarded.
type Forgetter interface {
	Forget(id string)
}

// Handler is the server side of a wire: it turns one encoded request into
// one encoded response. ct is the codec the request was encoded with and the
// response must use.
type Handler func(ctx context.Context, ct codec.CodecType, id string, payload []byte) []byte

type targetKey struct{}

// Target names the service a call is addressed to.
type Target struct {
	Service string
	Version string
}

// Key returns the service key the target is registered under.
func (t Target) Key() string { return message.ServiceKey(t.Service, t.Version) }

// WithTarget addresses the sends made with ctx.
func WithTarget(ctx context.Context, service, version string) context.Context {
	return context.WithValue(ctx, targetKey{}, Target{Service: service, Version: version})
}

// TargetFrom returns the target attached by WithTarget.
func TargetFrom(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(targetKey{}).(Target)
	return t, ok
}

// receiver guards the installed ReceiveFunc.
type receiver struct {
	mu sync.RWMutex
	fn ReceiveFunc
}

func (r *receiver) set(fn ReceiveFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *receiver) deliver(id string, payload []byte, err error) {
	r.mu.RLock()
	fn := r.fn
	r.mu.RUnlock()
	if fn != nil {
		fn(id, payload, err)
	}
}

// Option configures any of the transports. Options a transport has no use
// for are ignored.
type Option func(*options)

type options struct {
	codec       codec.CodecType
	logger      *zap.Logger
	poolSize    int
	maxBody     uint32
	heartbeat   time.Duration
	dialTimeout time.Duration
	discovery   discovery.Discovery
	balancer    loadbalance.Balancer
	addrs       []string
	prefix      string
}

func newOptions(opts []Option) options {
	o := options{
		codec:       codec.CodecTypeJSON,
		logger:      zap.NewNop(),
		poolSize:    1,
		heartbeat:   30 * time.Second,
		dialTimeout: 5 * time.Second,
		prefix:      DefaultPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.balancer == nil {
		o.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return o
}

// DefaultPrefix prefixes NATS subjects and AMQP queue names.
const DefaultPrefix = "efrpc"

// WithCodec sets the codec type stamped on outbound payloads.
func WithCodec(ct codec.CodecType) Option { return func(o *options) { o.codec = ct } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPoolSize sets the number of multiplexed TCP connections per address.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithMaxMessageSize bounds inbound TCP frame bodies.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBody = uint32(n)
		}
	}
}

// WithHeartbeat sets the TCP keepalive frame interval.
func WithHeartbeat(d time.Duration) Option { return func(o *options) { o.heartbeat = d } }

func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

// WithDiscovery resolves TCP targets through d.
func WithDiscovery(d discovery.Discovery) Option { return func(o *options) { o.discovery = d } }

// WithBalancer picks among discovered instances. Round robin by default.
func WithBalancer(b loadbalance.Balancer) Option { return func(o *options) { o.balancer = b } }

// WithAddrs sets fixed TCP server addresses, used when discovery is not
// configured or knows no instance of the target.
func WithAddrs(addrs ...string) Option { return func(o *options) { o.addrs = addrs } }

// WithPrefix sets the NATS subject and AMQP queue prefix.
func WithPrefix(p string) Option { return func(o *options) { o.prefix = p } }
