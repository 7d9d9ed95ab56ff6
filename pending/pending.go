// Package pending tracks in-flight client calls by correlation id.
//
// Every registered call is resolved exactly once: by a matching response,
// by its deadline timer, by the caller giving up, or by Close. Whoever
// removes the call from the table first wins; later outcomes are dropped.
//
//	Register(id, deadline) ──► Call ──► Wait(ctx)
//	        │                    ▲
//	        └── timer(deadline) ─┤ Timeout
//	recvLoop: Resolve(id, resp) ─┘ response
package pending

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

const shardCount = 32

// Call is the handle of one in-flight call.
type Call struct {
	ID        string
	CreatedAt time.Time
	Deadline  time.Time

	table *Table
	timer *time.Timer
	done  chan struct{}
	resp  *message.Response // written once before done is closed
}

// Done is closed when the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Response returns the outcome. Only valid after Done is closed.
func (c *Call) Response() *message.Response { return c.resp }

// Wait blocks until the call is resolved or ctx ends. If ctx ends first the
// call is resolved with Canceled (or Timeout if ctx hit its deadline) and
// removed from the table. The returned response is never nil.
func (c *Call) Wait(ctx context.Context) *message.Response {
	select {
	case <-c.done:
		return c.resp
	case <-ctx.Done():
	}
	kind := rpcerr.Canceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = rpcerr.Timeout
	}
	c.table.Cancel(c.ID, rpcerr.New(kind, "", "", "%v", ctx.Err()))
	<-c.done
	return c.resp
}

type shard struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// Table is safe for concurrent use. Calls are spread over shards so that
// registration from callers and resolution from receive loops rarely
// contend on the same lock.
type Table struct {
	shards [shardCount]shard
	closed atomic.Bool
	now    func() time.Time
}

func New() *Table {
	t := &Table{now: time.Now}
	for i := range t.shards {
		t.shards[i].calls = make(map[string]*Call)
	}
	return t
}

func (t *Table) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &t.shards[h.Sum32()%shardCount]
}

// Register adds a call that fails with Timeout at deadline unless resolved
// earlier. The timer fires no earlier than deadline.
func (t *Table) Register(id string, deadline time.Time) (*Call, error) {
	if t.closed.Load() {
		return nil, rpcerr.New(rpcerr.TransportError, "", "", "pending table closed")
	}
	now := t.now()
	c := &Call{
		ID:        id,
		CreatedAt: now,
		Deadline:  deadline,
		table:     t,
		done:      make(chan struct{}),
	}
	s := t.shard(id)
	s.mu.Lock()
	if _, dup := s.calls[id]; dup {
		s.mu.Unlock()
		return nil, rpcerr.New(rpcerr.InvalidArgument, "", "", "correlation id %s already pending", id)
	}
	s.calls[id] = c
	c.timer = time.AfterFunc(deadline.Sub(now), func() { t.expire(id) })
	s.mu.Unlock()
	return c, nil
}

func (t *Table) expire(id string) {
	c := t.take(id)
	if c == nil {
		return
	}
	c.resp = message.Failure(id, rpcerr.New(rpcerr.Timeout, "", "", "no response within %v",
		c.Deadline.Sub(c.CreatedAt)))
	close(c.done)
}

// take removes id from the table. A nil result means someone else already
// resolved it.
func (t *Table) take(id string) *Call {
	s := t.shard(id)
	s.mu.Lock()
	c, ok := s.calls[id]
	if ok {
		delete(s.calls, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.timer.Stop()
	return c
}

// Resolve fulfils the call with resp. It reports whether a pending call
// existed; a second Resolve for the same id is a no-op returning false.
func (t *Table) Resolve(id string, resp *message.Response) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	c.resp = resp
	close(c.done)
	return true
}

// Cancel resolves the call with a failure built from err.
func (t *Table) Cancel(id string, err *rpcerr.Error) bool {
	return t.Resolve(id, message.Failure(id, err))
}

// EvictExpired fails every call whose deadline is at or before now. Timers
// normally get there first; this is a backstop for a stalled timer wheel.
func (t *Table) EvictExpired(now time.Time) int {
	var expired []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, c := range s.calls {
			if !c.Deadline.After(now) {
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
	}
	n := 0
	for _, id := range expired {
		c := t.take(id)
		if c == nil {
			continue
		}
		c.resp = message.Failure(id, rpcerr.New(rpcerr.Timeout, "", "", "deadline %s passed",
			c.Deadline.Format(time.RFC3339Nano)))
		close(c.done)
		n++
	}
	return n
}

// Close fails every pending call with TransportError and refuses new
// registrations. It returns the number of calls failed.
func (t *Table) Close() int {
	t.closed.Store(true)
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		ids := make([]string, 0, len(s.calls))
		for id := range s.calls {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			if t.Cancel(id, rpcerr.New(rpcerr.TransportError, "", "", "client closed")) {
				n++
			}
		}
	}
	return n
}

// FailAll resolves the given calls with err. Transports use it when a
// connection carrying them breaks.
func (t *Table) FailAll(ids []string, err *rpcerr.Error) int {
	n := 0
	for _, id := range ids {
		if t.Cancel(id, err) {
			n++
		}
	}
	return n
}

// Len returns the number of pending calls.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.calls)
		s.mu.Unlock()
	}
	return n
}
