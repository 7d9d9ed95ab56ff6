package message

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"ef-rpc/rpcerr"
)

const (
	StatusOK         = 200
	statusMessageOK  = "OK"
	MetadataAttempts = "attempts"
	MetadataCacheHit = "cacheHit"
)

// Response is the outcome of a call. RequestID refers back to the
// originating request's MessageID. Exactly one of Result and Failure is
// meaningful: Result when StatusCode is 2xx, Failure otherwise.
type Response struct {
	Envelope
	requestID     string
	result        any
	failure       *rpcerr.Error
	statusCode    int
	statusMessage string
}

// Success builds a 200 OK response carrying result.
func Success(requestID string, result any) *Response {
	return &Response{
		Envelope:      newEnvelope(TypeResponse, nil),
		requestID:     requestID,
		result:        result,
		statusCode:    StatusOK,
		statusMessage: statusMessageOK,
	}
}

// Failure builds a failure response. A plain error is classified as an
// ApplicationError; an *rpcerr.Error keeps its kind.
func Failure(requestID string, err error) *Response {
	e := rpcerr.Wrap(rpcerr.ApplicationError, "", "", err)
	if e == nil {
		e = rpcerr.New(rpcerr.Other, "", "", "unknown failure")
	}
	code := e.Kind.StatusCode()
	return &Response{
		Envelope:      newEnvelope(TypeResponse, nil),
		requestID:     requestID,
		failure:       e,
		statusCode:    code,
		statusMessage: statusText(code, e.Kind),
	}
}

func statusText(code int, kind rpcerr.Kind) string {
	if s := http.StatusText(code); s != "" {
		return s
	}
	return kind.String()
}

func (r *Response) RequestID() string     { return r.requestID }
func (r *Response) Result() any           { return r.result }
func (r *Response) StatusCode() int       { return r.statusCode }
func (r *Response) StatusMessage() string { return r.statusMessage }

// Failure returns the typed failure, nil on success.
func (r *Response) Failure() *rpcerr.Error { return r.failure }

// IsSuccess reports a 2xx status without failure.
func (r *Response) IsSuccess() bool {
	return r.failure == nil && r.statusCode >= 200 && r.statusCode < 300
}

// IsTimeout reports a Timeout failure.
func (r *Response) IsTimeout() bool {
	return r.failure != nil && r.failure.Kind == rpcerr.Timeout
}

// Err returns the failure as an error, or nil on success.
func (r *Response) Err() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Decode stores the result in the value pointed to by v. Results that
// arrived over the wire are raw JSON and are unmarshalled; in-process results
// are assigned directly when the types match.
func (r *Response) Decode(v any) error {
	if r.failure != nil {
		return r.failure
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("message: Decode needs a non-nil pointer, got %T", v)
	}
	switch res := r.result.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return json.Unmarshal(res, v)
	}
	val := reflect.ValueOf(r.result)
	if val.Type().AssignableTo(rv.Elem().Type()) {
		rv.Elem().Set(val)
		return nil
	}
	data, err := json.Marshal(r.result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WithMetadata returns a copy of r carrying an extra metadata entry.
func (r *Response) WithMetadata(key string, value any) *Response {
	c := *r
	c.Envelope = r.Envelope.withMetadata(key, value)
	return &c
}

// WithRequestID returns a copy of r answering a different request. Cached
// results are re-addressed this way.
func (r *Response) WithRequestID(requestID string) *Response {
	c := *r
	c.Envelope = newEnvelope(TypeResponse, r.metadata)
	c.requestID = requestID
	return &c
}

// WithFailure returns a copy of r whose failure is replaced by e.
func (r *Response) WithFailure(e *rpcerr.Error) *Response {
	c := *r
	c.failure = e
	return &c
}

func (r *Response) String() string {
	return fmt.Sprintf("Response{id=%s, requestId=%s, success=%v, status=%d}",
		r.id, r.requestID, r.IsSuccess(), r.statusCode)
}

func responseAt(id string, ts time.Time, metadata map[string]any, requestID string, result any,
	failure *rpcerr.Error, code int, msg string) *Response {
	return &Response{
		Envelope:      Envelope{id: id, typ: TypeResponse, timestamp: ts, metadata: metadata},
		requestID:     requestID,
		result:        result,
		failure:       failure,
		statusCode:    code,
		statusMessage: msg,
	}
}
