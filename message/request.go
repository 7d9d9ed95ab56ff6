package message

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"ef-rpc/rpcerr"
)

// DefaultVersion is used when a request is built without a version.
const DefaultVersion = "1.0"

// Request is a call envelope. ServiceKey is "service:version" and MethodKey is
// "service.method:version".
type Request struct {
	Envelope
	service    string
	method     string
	version    string
	args       []any
	paramTypes []string
	returnType string
}

// NewRequest builds a request with the required fields.
func NewRequest(service, method, version string, args ...any) (*Request, error) {
	return NewRequestBuilder().
		Service(service).
		Method(method).
		Version(version).
		Args(args...).
		Build()
}

func (r *Request) ServiceName() string { return r.service }
func (r *Request) MethodName() string  { return r.method }
func (r *Request) Version() string     { return r.version }
func (r *Request) ReturnType() string  { return r.returnType }

// NumArgs returns the argument count.
func (r *Request) NumArgs() int { return len(r.args) }

// Arg returns the i-th argument.
func (r *Request) Arg(i int) any { return r.args[i] }

// Args returns a copy of the argument list.
func (r *Request) Args() []any { return slices.Clone(r.args) }

// ParameterTypes returns a copy of the declared parameter type names.
func (r *Request) ParameterTypes() []string { return slices.Clone(r.paramTypes) }

// ServiceKey returns "service:version".
func (r *Request) ServiceKey() string {
	return ServiceKey(r.service, r.version)
}

// MethodKey returns "service.method:version".
func (r *Request) MethodKey() string {
	return MethodKey(r.service, r.method, r.version)
}

// Reissue returns a copy of r with a fresh message id and timestamp. The
// client pipeline uses it so that every attempt of a retried call has its own
// correlation id and a late response to an earlier attempt is never taken for
// a later one.
func (r *Request) Reissue() *Request {
	c := *r
	c.Envelope = newEnvelope(TypeRequest, r.metadata)
	return &c
}

// WithMetadata returns a copy of r carrying an extra metadata entry. The
// message id is unchanged.
func (r *Request) WithMetadata(key string, value any) *Request {
	c := *r
	c.Envelope = r.Envelope.withMetadata(key, value)
	return &c
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{id=%s, method=%s, args=%d}", r.id, r.MethodKey(), len(r.args))
}

// ServiceKey formats a service key.
func ServiceKey(service, version string) string {
	return service + ":" + version
}

// MethodKey formats a method key.
func MethodKey(service, method, version string) string {
	return service + "." + method + ":" + version
}

// RequestBuilder assembles a Request field by field. Build validates the
// required fields and freezes the result.
type RequestBuilder struct {
	service    string
	method     string
	version    string
	args       []any
	paramTypes []string
	returnType string
	metadata   map[string]any
}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{}
}

func (b *RequestBuilder) Service(name string) *RequestBuilder { b.service = name; return b }
func (b *RequestBuilder) Method(name string) *RequestBuilder  { b.method = name; return b }
func (b *RequestBuilder) Version(v string) *RequestBuilder    { b.version = v; return b }
func (b *RequestBuilder) ReturnType(t string) *RequestBuilder { b.returnType = t; return b }

func (b *RequestBuilder) Args(args ...any) *RequestBuilder {
	b.args = slices.Clone(args)
	return b
}

func (b *RequestBuilder) ParameterTypes(types ...string) *RequestBuilder {
	b.paramTypes = slices.Clone(types)
	return b
}

func (b *RequestBuilder) Metadata(key string, value any) *RequestBuilder {
	if b.metadata == nil {
		b.metadata = make(map[string]any)
	}
	b.metadata[key] = value
	return b
}

// Build validates and returns the request. Parameter types default to the
// dynamic types of the arguments.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.service == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "", b.method, "service name is required")
	}
	if b.method == "" {
		return nil, rpcerr.New(rpcerr.InvalidArgument, b.service, "", "method name is required")
	}
	version := b.version
	if version == "" {
		version = DefaultVersion
	}
	paramTypes := b.paramTypes
	if paramTypes == nil {
		paramTypes = typeNames(b.args)
	} else if len(paramTypes) != len(b.args) {
		return nil, rpcerr.New(rpcerr.InvalidArgument, b.service, b.method,
			"%d parameter types for %d arguments", len(paramTypes), len(b.args))
	}
	return &Request{
		Envelope:   newEnvelope(TypeRequest, b.metadata),
		service:    b.service,
		method:     b.method,
		version:    version,
		args:       slices.Clone(b.args),
		paramTypes: slices.Clone(paramTypes),
		returnType: b.returnType,
	}, nil
}

func typeNames(args []any) []string {
	names := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			names[i] = "nil"
			continue
		}
		names[i] = reflect.TypeOf(a).String()
	}
	return names
}

// requestAt rebuilds a decoded request with its original identity.
func requestAt(id string, ts time.Time, metadata map[string]any, service, method, version string,
	args []any, paramTypes []string, returnType string) *Request {
	return &Request{
		Envelope:   Envelope{id: id, typ: TypeRequest, timestamp: ts, metadata: metadata},
		service:    service,
		method:     method,
		version:    version,
		args:       args,
		paramTypes: paramTypes,
		returnType: returnType,
	}
}
