package client

import (
	"context"

	"ef-rpc/message"
	"ef-rpc/policy"
)

// Proxy invokes the methods of one remote (service, version) by name.
type Proxy struct {
	client   *Client
	name     string
	version  string
	policies policy.Set
}

func (p *Proxy) Name() string    { return p.name }
func (p *Proxy) Version() string { return p.version }

// Policy returns the policy applied to method.
func (p *Proxy) Policy(method string) policy.Method { return p.policies.For(method) }

// Invoke calls method and waits for the response.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) *message.Response {
	req, err := message.NewRequest(p.name, method, p.version, args...)
	if err != nil {
		return failedCall(err).resp
	}
	return p.client.Invoke(ctx, req, p.policies.For(method))
}

// Call invokes method and decodes the result into reply, which may be nil
// for methods without a result.
func (p *Proxy) Call(ctx context.Context, method string, reply any, args ...any) error {
	resp := p.Invoke(ctx, method, args...)
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return resp.Decode(reply)
}

// Go invokes method asynchronously.
func (p *Proxy) Go(ctx context.Context, method string, args ...any) *Call {
	req, err := message.NewRequest(p.name, method, p.version, args...)
	if err != nil {
		return failedCall(err)
	}
	return p.client.Dispatch(ctx, req, p.policies.For(method))
}

// Dispatch honours the method's Async flag: async methods return at once
// with the call in flight, others return the completed call.
func (p *Proxy) Dispatch(ctx context.Context, method string, args ...any) *Call {
	req, err := message.NewRequest(p.name, method, p.version, args...)
	if err != nil {
		return failedCall(err)
	}
	return p.client.Submit(ctx, req, p.policies.For(method))
}
