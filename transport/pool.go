package transport

// connPool holds up to size multiplexed connections to one address.
//
// Connections are dialed lazily: the pool starts empty and grows by one on
// each checkout until it is full, after which checkouts rotate over the
// existing connections. Multiplexed connections are shared, never borrowed
// exclusively, so there is no Put. A connection that breaks removes itself
// and the next checkout dials a replacement.
//
// Dials run outside the pool lock. A checkout that finds the pool full of
// dials in progress and no live connection waits for one of them to
// settle; with a live connection it uses that instead.

import (
	"context"
	"net"
	"slices"
	"sync"
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type connPool struct {
	addr    string
	opts    *options
	deliver ReceiveFunc
	status  *statusListeners
	dialer  dialFunc

	mu       sync.Mutex
	conns    []*muxConn
	next     int
	dialing  int
	dialDone chan struct{} // closed when a dial settles; nil with none running
	closed   bool
}

func newConnPool(addr string, o *options, deliver ReceiveFunc, status *statusListeners) *connPool {
	d := &net.Dialer{Timeout: o.dialTimeout}
	return &connPool{addr: addr, opts: o, deliver: deliver, status: status, dialer: d.DialContext}
}

// get returns a live connection, dialing one if the pool is not full.
func (p *connPool) get(ctx context.Context) (*muxConn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errConnClosed
		}
		p.conns = slices.DeleteFunc(p.conns, (*muxConn).isClosed)
		if len(p.conns)+p.dialing < p.opts.poolSize {
			p.dialing++
			if p.dialDone == nil {
				p.dialDone = make(chan struct{})
			}
			p.mu.Unlock()
			c, err := p.dial(ctx)
			return p.settle(c, err)
		}
		if len(p.conns) > 0 {
			c := p.rotate()
			p.mu.Unlock()
			return c, nil
		}
		wait := p.dialDone
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// settle records the outcome of a dial started by get. A failed dial falls
// back to the connections already there.
func (p *connPool) settle(c *muxConn, err error) (*muxConn, error) {
	p.mu.Lock()
	p.dialing--
	close(p.dialDone)
	p.dialDone = nil
	if p.dialing > 0 {
		p.dialDone = make(chan struct{})
	}
	if p.closed {
		p.mu.Unlock()
		if c != nil {
			c.shutdown(errConnClosed)
		}
		return nil, errConnClosed
	}
	if err == nil {
		p.conns = append(p.conns, c)
		p.mu.Unlock()
		return c, nil
	}
	p.conns = slices.DeleteFunc(p.conns, (*muxConn).isClosed)
	if len(p.conns) == 0 {
		p.mu.Unlock()
		return nil, err
	}
	c = p.rotate()
	p.mu.Unlock()
	return c, nil
}

// rotate picks the next live connection. p.mu must be held and p.conns
// non-empty.
func (p *connPool) rotate() *muxConn {
	p.next = (p.next + 1) % len(p.conns)
	return p.conns[p.next]
}

func (p *connPool) forget(id string) {
	p.mu.Lock()
	conns := slices.Clone(p.conns)
	p.mu.Unlock()
	for _, c := range conns {
		c.forget(id)
	}
}

func (p *connPool) dial(ctx context.Context) (*muxConn, error) {
	p.status.notify(p.addr, Connecting, nil)
	conn, err := p.dialer(ctx, "tcp", p.addr)
	if err != nil {
		p.status.notify(p.addr, Failed, err)
		return nil, err
	}
	p.status.notify(p.addr, Connected, nil)
	return newMuxConn(conn, p.opts, p.deliver, p.remove), nil
}

func (p *connPool) remove(c *muxConn, err error) {
	p.mu.Lock()
	p.conns = slices.DeleteFunc(p.conns, func(x *muxConn) bool { return x == c })
	closed := p.closed
	p.mu.Unlock()
	if closed {
		err = nil
	}
	p.status.notify(p.addr, Disconnected, err)
}

// size reports the live connection count.
func (p *connPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// close shuts every connection down. Calls in flight fail with errConnClosed.
func (p *connPool) close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.shutdown(errConnClosed)
	}
}
