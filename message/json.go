package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"ef-rpc/rpcerr"
)

// Wire forms. Arguments and results are carried as raw JSON and stay raw
// after decoding until the router or the caller converts them to concrete
// types.

type wireEnvelope struct {
	ID        string         `json:"messageId"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type wireRequest struct {
	wireEnvelope
	Service        string            `json:"serviceName"`
	Method         string            `json:"methodName"`
	Version        string            `json:"version"`
	Args           []json.RawMessage `json:"arguments"`
	ParameterTypes []string          `json:"parameterTypes,omitempty"`
	ReturnType     string            `json:"returnType,omitempty"`
}

type wireResponse struct {
	wireEnvelope
	RequestID     string          `json:"requestId"`
	Result        json.RawMessage `json:"result,omitempty"`
	Failure       *rpcerr.Detail  `json:"failure,omitempty"`
	StatusCode    int             `json:"statusCode"`
	StatusMessage string          `json:"statusMessage"`
}

func (e Envelope) wire() wireEnvelope {
	return wireEnvelope{ID: e.id, Type: e.typ, Timestamp: e.timestamp, Metadata: e.metadata}
}

func (r *Request) MarshalJSON() ([]byte, error) {
	args := make([]json.RawMessage, len(r.args))
	for i, a := range r.args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = raw
	}
	return json.Marshal(wireRequest{
		wireEnvelope:   r.Envelope.wire(),
		Service:        r.service,
		Method:         r.method,
		Version:        r.version,
		Args:           args,
		ParameterTypes: r.paramTypes,
		ReturnType:     r.returnType,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != TypeRequest {
		return fmt.Errorf("message: expected request envelope, got %s", w.Type)
	}
	args := make([]any, len(w.Args))
	for i, a := range w.Args {
		args[i] = a
	}
	*r = *requestAt(w.ID, w.Timestamp, w.Metadata, w.Service, w.Method, w.Version,
		args, w.ParameterTypes, w.ReturnType)
	return nil
}

func (r *Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{
		wireEnvelope:  r.Envelope.wire(),
		RequestID:     r.requestID,
		Failure:       r.failure.ToDetail(),
		StatusCode:    r.statusCode,
		StatusMessage: r.statusMessage,
	}
	if r.result != nil {
		raw, err := json.Marshal(r.result)
		if err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		w.Result = raw
	}
	return json.Marshal(w)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != TypeResponse {
		return fmt.Errorf("message: expected response envelope, got %s", w.Type)
	}
	var result any
	if len(w.Result) > 0 && !bytes.Equal(w.Result, []byte("null")) {
		result = w.Result
	}
	*r = *responseAt(w.ID, w.Timestamp, w.Metadata, w.RequestID, result,
		rpcerr.FromDetail(w.Failure), w.StatusCode, w.StatusMessage)
	return nil
}
