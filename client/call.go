package client

import (
	"context"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

// Call is the handle of an asynchronous invocation.
type Call struct {
	Request *message.Request

	done chan struct{}
	resp *message.Response
}

func newCall(req *message.Request) *Call {
	return &Call{Request: req, done: make(chan struct{})}
}

func failedCall(err error) *Call {
	c := newCall(nil)
	c.finish(message.Failure("", rpcerr.Wrap(rpcerr.InvalidArgument, "", "", err)))
	return c
}

func (c *Call) finish(resp *message.Response) {
	c.resp = resp
	close(c.done)
}

// Done is closed once the response is available.
func (c *Call) Done() <-chan struct{} { return c.done }

// Response returns the outcome, or nil while the call is in flight.
func (c *Call) Response() *message.Response {
	select {
	case <-c.done:
		return c.resp
	default:
		return nil
	}
}

// Wait blocks until the call completes or ctx ends. Giving up does not
// cancel the call itself; its own deadline still applies.
func (c *Call) Wait(ctx context.Context) *message.Response {
	select {
	case <-c.done:
		return c.resp
	case <-ctx.Done():
		id := ""
		if c.Request != nil {
			id = c.Request.MessageID()
		}
		return message.Failure(id, rpcerr.Wrap(rpcerr.Canceled, "", "", ctx.Err()))
	}
}

// Err waits for the call and returns its failure, if any.
func (c *Call) Err() error {
	<-c.done
	return c.resp.Err()
}

// Decode waits for the call and decodes its result into v.
func (c *Call) Decode(v any) error {
	<-c.done
	if err := c.resp.Err(); err != nil {
		return err
	}
	return c.resp.Decode(v)
}
