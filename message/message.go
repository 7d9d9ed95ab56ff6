// Package message defines the envelopes exchanged between client and server.
//
// A Request or Response is the "envelope" for every RPC call. It gets
// serialized by the codec layer and handed to a transport together with its
// correlation id (the request's MessageID).
//
//	Request{messageId=R}  ──send──►  server  ──►  Response{messageId=S, requestId=R}
//
// Envelopes are immutable once built: fields are only reachable through
// accessors and every accessor that returns a map or slice returns a copy.
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes request and response envelopes.
type Type uint8

const (
	TypeRequest  Type = 1
	TypeResponse Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Envelope carries the fields shared by every message.
type Envelope struct {
	id        string
	typ       Type
	timestamp time.Time
	metadata  map[string]any
}

func newEnvelope(typ Type, metadata map[string]any) Envelope {
	return Envelope{
		id:        NewID(),
		typ:       typ,
		timestamp: time.Now(),
		metadata:  maps.Clone(metadata),
	}
}

// NewID returns a fresh, globally unique message id.
func NewID() string {
	return uuid.NewString()
}

// MessageID returns the unique id generated at creation.
func (e Envelope) MessageID() string { return e.id }

// Type returns whether this is a request or a response.
func (e Envelope) Type() Type { return e.typ }

// Timestamp returns the creation time.
func (e Envelope) Timestamp() time.Time { return e.timestamp }

// Metadata returns a copy of the metadata map.
func (e Envelope) Metadata() map[string]any {
	if e.metadata == nil {
		return map[string]any{}
	}
	return maps.Clone(e.metadata)
}

// MetadataValue looks up a single metadata key.
func (e Envelope) MetadataValue(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// Equal reports whether two envelopes have the same id, type and timestamp.
func (e Envelope) Equal(o Envelope) bool {
	return e.id == o.id && e.typ == o.typ && e.timestamp.Equal(o.timestamp)
}

func (e Envelope) withMetadata(key string, value any) Envelope {
	c := e
	c.metadata = maps.Clone(e.metadata)
	if c.metadata == nil {
		c.metadata = make(map[string]any, 1)
	}
	c.metadata[key] = value
	return c
}
