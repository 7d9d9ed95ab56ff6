package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"ef-rpc/message"
	"ef-rpc/policy"
	"ef-rpc/rpcerr"
)

// Status is the lifecycle state of a registration.
type Status int32

const (
	Registered Status = iota
	Running
	Stopped
	Error
)

func (s Status) String() string {
	switch s {
	case Registered:
		return "registered"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Method is one invocable method of a service.
//
// Accepted shapes, with an optional leading context.Context:
//
//	func (T) M(args...) (R, error)
//	func (T) M(args...) R
//	func (T) M(args...) error
//	func (T) M(args...)
type Method struct {
	Name       string
	ParamTypes []reflect.Type // excludes receiver and context
	ResultType reflect.Type   // nil when the method returns no value

	fn      reflect.Value
	withCtx bool
	withErr bool
}

func newMethod(m reflect.Method) (*Method, bool) {
	mt := m.Type
	first := 1 // receiver
	withCtx := mt.NumIn() > 1 && mt.In(1) == contextType
	if withCtx {
		first = 2
	}
	if mt.IsVariadic() {
		return nil, false
	}

	method := &Method{Name: m.Name, fn: m.Func, withCtx: withCtx}
	for i := first; i < mt.NumIn(); i++ {
		method.ParamTypes = append(method.ParamTypes, mt.In(i))
	}

	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			method.withErr = true
		} else {
			method.ResultType = mt.Out(0)
		}
	case 2:
		if mt.Out(1) != errorType {
			return nil, false
		}
		method.ResultType = mt.Out(0)
		method.withErr = true
	default:
		return nil, false
	}
	return method, true
}

// Service is a registration: an implementation bound to (name, version)
// with its policy. The registry holds the implementation but never creates
// or tears it down.
type Service struct {
	Name         string
	Version      string
	Policy       policy.Set
	RegisteredAt time.Time

	impl    any
	rcvr    reflect.Value
	methods map[string]*Method
	status  atomic.Int32
}

func newService(name, version string, impl any, p policy.Set, now time.Time) (*Service, error) {
	if impl == nil {
		return nil, rpcerr.New(rpcerr.InvalidArgument, name, "", "implementation is nil")
	}
	typ := reflect.TypeOf(impl)
	svc := &Service{
		Name:         name,
		Version:      version,
		Policy:       p,
		RegisteredAt: now,
		impl:         impl,
		rcvr:         reflect.ValueOf(impl),
		methods:      make(map[string]*Method),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		if method, ok := newMethod(m); ok {
			svc.methods[m.Name] = method
		}
	}
	if len(svc.methods) == 0 {
		return nil, rpcerr.New(rpcerr.InvalidArgument, name, "", "%s has no invocable exported methods", typ)
	}
	return svc, nil
}

// Key returns "name:version".
func (s *Service) Key() string { return message.ServiceKey(s.Name, s.Version) }

// Impl returns the registered implementation.
func (s *Service) Impl() any { return s.impl }

func (s *Service) Status() Status { return Status(s.status.Load()) }

func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// MethodNames returns the invocable method names, sorted.
func (s *Service) MethodNames() []string {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the method named by req with req's arguments. Arguments that
// arrived over the wire are raw JSON and are decoded into the parameter
// types; in-process arguments must be assignable, or numerically
// convertible, to them.
//
// A panic in the implementation is recovered and reported as an
// ApplicationError.
func (s *Service) Invoke(ctx context.Context, req *message.Request) (result any, failure *rpcerr.Error) {
	m, ok := s.methods[req.MethodName()]
	if !ok {
		return nil, rpcerr.New(rpcerr.MethodNotFound, s.Name, req.MethodName(), "no such method on %s", s.Key())
	}
	if req.NumArgs() != len(m.ParamTypes) {
		return nil, rpcerr.New(rpcerr.MethodNotFound, s.Name, m.Name,
			"%s takes %d arguments, got %d", m.Name, len(m.ParamTypes), req.NumArgs())
	}

	in := make([]reflect.Value, 0, len(m.ParamTypes)+2)
	in = append(in, s.rcvr)
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, pt := range m.ParamTypes {
		v, err := convertArg(req.Arg(i), pt)
		if err != nil {
			err.Service, err.Method = s.Name, m.Name
			return nil, err
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			failure = rpcerr.New(rpcerr.ApplicationError, s.Name, m.Name, "panic: %v", r)
		}
	}()
	out := m.fn.Call(in)

	if m.withErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, rpcerr.Wrap(rpcerr.ApplicationError, s.Name, m.Name, errv.Interface().(error))
		}
	}
	if m.ResultType != nil {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func convertArg(arg any, want reflect.Type) (reflect.Value, *rpcerr.Error) {
	if raw, ok := arg.(json.RawMessage); ok {
		ptr := reflect.New(want)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			// Well-formed JSON of the wrong shape is a signature mismatch,
			// the same as an in-process argument of the wrong type.
			kind := rpcerr.SerializationError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				kind = rpcerr.MethodNotFound
			}
			return reflect.Value{}, &rpcerr.Error{Kind: kind,
				Message: fmt.Sprintf("argument of type %s: %v", want, err), Err: err}
		}
		return ptr.Elem(), nil
	}
	if arg == nil {
		switch want.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, &rpcerr.Error{Kind: rpcerr.MethodNotFound,
			Message: fmt.Sprintf("nil argument for parameter of type %s", want)}
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(want.Kind()) {
		return v.Convert(want), nil
	}
	return reflect.Value{}, &rpcerr.Error{Kind: rpcerr.MethodNotFound,
		Message: fmt.Sprintf("argument of type %s does not match parameter of type %s", v.Type(), want)}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
