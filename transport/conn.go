package transport

// muxConn multiplexes concurrent calls over one TCP connection.
//
// Each request frame carries the request's message id. A single receive
// loop reads response frames and hands each one to the ReceiveFunc under
// the id it carries, in whatever order the server answers.
//
//	goroutine-1 ──send(id=a)──┐
//	goroutine-2 ──send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → deliver(b, body) → pending call b resolves

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ef-rpc/protocol"
)

var errConnClosed = errors.New("transport: connection closed")

type muxConn struct {
	conn     net.Conn
	codec    byte
	maxBody  uint32
	inflight sync.Map   // id → struct{}: sent, not yet answered
	sending  sync.Mutex // serializes frame writes; frames must not interleave
	deliver  ReceiveFunc
	onClose  func(*muxConn, error)
	closed   atomic.Bool
	done     chan struct{}
}

// newMuxConn starts the receive loop and, when heartbeat is positive, the
// heartbeat loop.
func newMuxConn(conn net.Conn, o *options, deliver ReceiveFunc, onClose func(*muxConn, error)) *muxConn {
	c := &muxConn{
		conn:    conn,
		codec:   byte(o.codec),
		maxBody: o.maxBody,
		deliver: deliver,
		onClose: onClose,
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	if o.heartbeat > 0 {
		go c.heartbeatLoop(o.heartbeat)
	}
	return c
}

// send writes one request frame. The id is registered as in flight before
// the write so a fast response can never beat it.
func (c *muxConn) send(ctx context.Context, id string, payload []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.inflight.Store(id, struct{}{})

	c.sending.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}
	err := protocol.Encode(c.conn, &protocol.Header{
		CodecType: c.codec,
		MsgType:   protocol.MsgTypeRequest,
		ID:        id,
	}, payload)
	_ = c.conn.SetWriteDeadline(time.Time{})
	c.sending.Unlock()

	if err != nil {
		c.inflight.Delete(id)
		c.shutdown(err)
		return err
	}
	return nil
}

// recvLoop is the only reader of the connection; TCP is a byte stream and
// frame boundaries are only known to a sequential reader.
func (c *muxConn) recvLoop() {
	for {
		h, body, err := protocol.Decode(c.conn, c.maxBody)
		if err != nil {
			c.shutdown(err)
			return
		}
		if h.MsgType != protocol.MsgTypeResponse {
			continue
		}
		if _, ok := c.inflight.LoadAndDelete(h.ID); ok {
			c.deliver(h.ID, body, nil)
		}
	}
}

// heartbeatLoop sends bodiless heartbeat frames so idle connections are
// not reaped by the server or middleboxes.
func (c *muxConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.sending.Lock()
		err := protocol.Encode(c.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		c.sending.Unlock()
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

// shutdown closes the connection once and fails every call still in flight
// on it, so none of them waits for its deadline.
func (c *muxConn) shutdown(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.conn.Close()
	c.inflight.Range(func(key, _ any) bool {
		c.inflight.Delete(key)
		c.deliver(key.(string), nil, err)
		return true
	})
	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// forget drops id from the in-flight set without delivering anything.
func (c *muxConn) forget(id string) { c.inflight.Delete(id) }

func (c *muxConn) isClosed() bool { return c.closed.Load() }
