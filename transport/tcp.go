package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ef-rpc/discovery"
	"ef-rpc/loadbalance"
	"ef-rpc/rpcerr"
)

// TCPClient sends framed requests over pooled, multiplexed TCP connections.
// The server address is chosen per call: the target in the context is
// looked up through discovery, the balancer picks an instance, and the
// instance's pool hands out a connection.
type TCPClient struct {
	opts   options
	recv   receiver
	status statusListeners

	mu     sync.Mutex
	pools  map[string]*connPool
	closed atomic.Bool
}

// NewTCPClient builds a client. No connection is made until the first Send.
func NewTCPClient(opts ...Option) *TCPClient {
	return &TCPClient{
		opts:  newOptions(opts),
		pools: make(map[string]*connPool),
	}
}

func (t *TCPClient) OnReceive(fn ReceiveFunc) { t.recv.set(fn) }

// AddStatusListener registers fn for connection state changes and returns
// a func that removes it.
func (t *TCPClient) AddStatusListener(fn StatusListener) (remove func()) {
	return t.status.add(fn)
}

func (t *TCPClient) Send(ctx context.Context, id string, payload []byte) error {
	if t.closed.Load() {
		return errConnClosed
	}
	addr, err := t.pick(ctx)
	if err != nil {
		return err
	}
	c, err := t.pool(addr).get(ctx)
	if err != nil {
		return err
	}
	return c.send(ctx, id, payload)
}

// Forget drops id from the in-flight set of whichever connection sent it.
func (t *TCPClient) Forget(id string) {
	t.mu.Lock()
	pools := make([]*connPool, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.mu.Unlock()
	for _, p := range pools {
		p.forget(id)
	}
}

// Instances returns the instances a send to target would choose from.
func (t *TCPClient) Instances(ctx context.Context, target Target) ([]discovery.Instance, error) {
	if t.opts.discovery != nil && target.Service != "" {
		instances, err := t.opts.discovery.Discover(ctx, target.Key())
		if err != nil {
			return nil, err
		}
		if len(instances) > 0 {
			return instances, nil
		}
	}
	instances := make([]discovery.Instance, len(t.opts.addrs))
	for i, a := range t.opts.addrs {
		instances[i] = discovery.Instance{Addr: a, Weight: 1}
	}
	return instances, nil
}

func (t *TCPClient) pick(ctx context.Context) (string, error) {
	target, _ := TargetFrom(ctx)
	instances, err := t.Instances(ctx, target)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.TransportError, target.Service, "", err)
	}
	inst, err := t.opts.balancer.Pick(instances, loadbalance.KeyFrom(ctx))
	if err != nil {
		return "", rpcerr.New(rpcerr.ServiceNotFound, target.Service, "", "no instance of %s", target.Key())
	}
	return inst.Addr, nil
}

func (t *TCPClient) pool(addr string) *connPool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pools[addr]
	if !ok {
		p = newConnPool(addr, &t.opts, t.recv.deliver, &t.status)
		t.pools[addr] = p
	}
	return p
}

// Conns reports the live connection count to addr.
func (t *TCPClient) Conns(addr string) int {
	t.mu.Lock()
	p, ok := t.pools[addr]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return p.size()
}

// Close closes every connection. Calls in flight are delivered an error.
func (t *TCPClient) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	pools := t.pools
	t.pools = make(map[string]*connPool)
	t.mu.Unlock()
	for addr, p := range pools {
		p.close()
		t.opts.logger.Debug("closed connection pool", zap.String("addr", addr))
	}
	return nil
}
