// Package middleware composes the dispatch steps shared by the client
// pipeline and the server router as an onion of HandlerFuncs.
//
//	Chain(A, B, C)(h)  =>  A(B(C(h)))
//
// A request enters A first and the response leaves A last. Steps that depend
// on the method policy read it from the context (see WithPolicy); with no
// policy attached they pass the request through.
package middleware

import (
	"context"

	"ef-rpc/message"
	"ef-rpc/policy"
)

// HandlerFunc handles one request. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first wraps all the others.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type policyKey struct{}

// WithPolicy attaches the policy of the method being dispatched.
func WithPolicy(ctx context.Context, m policy.Method) context.Context {
	return context.WithValue(ctx, policyKey{}, m)
}

// PolicyFrom returns the policy attached by WithPolicy.
func PolicyFrom(ctx context.Context) (policy.Method, bool) {
	m, ok := ctx.Value(policyKey{}).(policy.Method)
	return m, ok
}
