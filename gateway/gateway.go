// Package gateway exposes a dispatcher as JSON-RPC 2.0 over HTTP.
//
// A single method, Dispatch.Call, carries the envelope fields:
//
//	{"jsonrpc":"2.0","id":1,"method":"Dispatch.Call",
//	 "params":{"service":"Calc","method":"Add","version":"1.0","args":[1,2]}}
//
// Failures come back as JSON-RPC errors whose data is an rpcerr.Detail.
// Responses are gzip-compressed when the caller accepts it.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"ef-rpc/message"
	"ef-rpc/rpcerr"
)

// Dispatcher is satisfied by server.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) *message.Response
}

type CallArgs struct {
	Service  string            `json:"service"`
	Method   string            `json:"method"`
	Version  string            `json:"version,omitempty"`
	Args     []json.RawMessage `json:"args"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type CallReply struct {
	RequestID     string          `json:"requestId"`
	StatusCode    int             `json:"statusCode"`
	StatusMessage string          `json:"statusMessage"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// Dispatch is the JSON-RPC service.
type Dispatch struct {
	d      Dispatcher
	logger *zap.Logger
}

// Call builds a request from args and dispatches it.
func (s *Dispatch) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	b := message.NewRequestBuilder().Service(args.Service).Method(args.Method).Version(args.Version)
	callArgs := make([]any, len(args.Args))
	for i, a := range args.Args {
		callArgs[i] = a
	}
	b.Args(callArgs...)
	for k, v := range args.Metadata {
		b.Metadata(k, v)
	}
	req, err := b.Build()
	if err != nil {
		return toJSONError(rpcerr.Wrap(rpcerr.InvalidArgument, args.Service, args.Method, err))
	}

	resp := s.d.Dispatch(r.Context(), req)
	if f := resp.Failure(); f != nil {
		s.logger.Debug("gateway call failed", zap.String("method", req.MethodKey()), zap.Error(f))
		return toJSONError(f)
	}
	reply.RequestID = resp.RequestID()
	reply.StatusCode = resp.StatusCode()
	reply.StatusMessage = resp.StatusMessage()
	if resp.Result() != nil {
		out, err := json.Marshal(resp.Result())
		if err != nil {
			return toJSONError(rpcerr.Wrap(rpcerr.SerializationError, req.ServiceName(), req.MethodName(), err))
		}
		reply.Result = out
	}
	return nil
}

func toJSONError(e *rpcerr.Error) *json2.Error {
	code := json2.E_SERVER
	switch e.Kind {
	case rpcerr.ServiceNotFound, rpcerr.MethodNotFound:
		code = json2.E_NO_METHOD
	case rpcerr.InvalidArgument, rpcerr.SerializationError:
		code = json2.E_BAD_PARAMS
	}
	return &json2.Error{Code: code, Message: e.Error(), Data: e.ToDetail()}
}

// NewHandler returns the gzip-wrapped JSON-RPC handler for d.
func NewHandler(d Dispatcher, logger *zap.Logger) (http.Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Dispatch{d: d, logger: logger}, "Dispatch"); err != nil {
		return nil, err
	}
	return gziphandler.GzipHandler(s), nil
}
