// Package rpcerr defines the typed failures surfaced by the dispatch core.
//
// Every failure that reaches a caller is an *Error carrying a Kind, the
// originating service/method and, for client calls, the number of attempts
// made. Kinds map onto wire codes and status codes so that a failure survives
// the trip through a Response envelope.
package rpcerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind uint8

// Kinds of failures.
const (
	Other              Kind = iota // Unclassified failure.
	Timeout                        // Deadline elapsed before a response arrived.
	CircuitOpen                    // Breaker rejected the call; nothing was sent.
	RateLimited                    // Admission rejected the call; nothing was sent.
	ServiceNotFound                // No registration for (service, version).
	MethodNotFound                 // Service has no method matching name and arguments.
	ApplicationError               // The callee returned an error or panicked.
	TransportError                 // Send or receive failed.
	SerializationError             // Envelope or payload could not be encoded/decoded.
	Canceled                       // Caller context was cancelled.
	AlreadyRegistered              // Registry already holds (service, version).
	NotRegistered                  // Registry holds no (service, version).
	InvalidArgument                // Malformed envelope, policy or configuration.
)

var kindCodes = map[Kind]string{
	Other:              "RPC_ERROR",
	Timeout:            "TIMEOUT",
	CircuitOpen:        "CIRCUIT_OPEN",
	RateLimited:        "RATE_LIMITED",
	ServiceNotFound:    "SERVICE_NOT_FOUND",
	MethodNotFound:     "METHOD_NOT_FOUND",
	ApplicationError:   "APPLICATION_ERROR",
	TransportError:     "TRANSPORT_ERROR",
	SerializationError: "SERIALIZATION_ERROR",
	Canceled:           "CANCELED",
	AlreadyRegistered:  "ALREADY_REGISTERED",
	NotRegistered:      "NOT_REGISTERED",
	InvalidArgument:    "INVALID_ARGUMENT",
}

var kindStatus = map[Kind]int{
	Other:              500,
	Timeout:            408,
	CircuitOpen:        503,
	RateLimited:        429,
	ServiceNotFound:    404,
	MethodNotFound:     404,
	ApplicationError:   500,
	TransportError:     502,
	SerializationError: 400,
	Canceled:           499,
	AlreadyRegistered:  409,
	NotRegistered:      404,
	InvalidArgument:    400,
}

func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Retryable reports whether a failure of this kind may be retried.
// Only timeouts and transport failures qualify; a breaker or limiter
// rejection means the target must not be hit again yet.
func (k Kind) Retryable() bool {
	return k == Timeout || k == TransportError
}

// StatusCode returns the response status code for the kind.
func (k Kind) StatusCode() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return 500
}

// KindFromCode is the inverse of Kind.String. Unknown codes map to Other.
func KindFromCode(code string) Kind {
	code = strings.ToUpper(code)
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return Other
}

// Error is a typed dispatch failure.
type Error struct {
	Kind    Kind
	Service string
	Method  string
	Message string
	// Attempts is the number of transport attempts made by the client
	// pipeline before giving up. Zero when the failure happened server side
	// or before any attempt.
	Attempts int
	// Err is the underlying error, if any.
	Err error
}

var _ error = (*Error)(nil)

// New builds an *Error of the given kind.
func New(kind Kind, service, method, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Service: service,
		Method:  method,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap builds an *Error of the given kind around err. If err is already an
// *Error it is returned unchanged.
func Wrap(kind Kind, service, method string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: kind, Service: service, Method: method, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Service != "" || e.Method != "" {
		b.WriteString(" ")
		b.WriteString(e.Service)
		if e.Method != "" {
			b.WriteString(".")
			b.WriteString(e.Method)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// WithAttempts returns a copy of e recording the attempt count.
func (e *Error) WithAttempts(n int) *Error {
	c := *e
	c.Attempts = n
	return &c
}

// KindOf returns the Kind of err, or Other if err is nil or not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// Is reports whether err is an *Error of the given kind.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Detail is the wire form of an *Error.
type Detail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Service   string `json:"service,omitempty"`
	Method    string `json:"method,omitempty"`
	Retryable bool   `json:"retryable"`
	Attempts  int    `json:"attempts,omitempty"`
}

// ToDetail converts e to its wire form.
func (e *Error) ToDetail() *Detail {
	if e == nil {
		return nil
	}
	return &Detail{
		Code:      e.Kind.String(),
		Message:   e.Message,
		Service:   e.Service,
		Method:    e.Method,
		Retryable: e.Kind.Retryable(),
		Attempts:  e.Attempts,
	}
}

// FromDetail converts a wire detail back into an *Error.
func FromDetail(d *Detail) *Error {
	if d == nil {
		return nil
	}
	return &Error{
		Kind:     KindFromCode(d.Code),
		Service:  d.Service,
		Method:   d.Method,
		Message:  d.Message,
		Attempts: d.Attempts,
	}
}
