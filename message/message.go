// Package message defines the RPC request and response exchanged over a channel.
//
// A Request names a command registered on the serving side; it never carries
// code. A Response is a tagged result: either OK with a Result, or a
// RemoteError descriptor the caller can branch on by Kind.
package message

import (
	"errors"
	"fmt"
)

// Request carries one call.
type Request struct {
	Command string         `codec:"command" json:"command"` // e.g. "add" or "Arith.Add"
	Args    []any          `codec:"args" json:"args"`
	Kwargs  map[string]any `codec:"kwargs" json:"kwargs"`
}

// Response carries the outcome of one call.
//
//   - On success: OK is true and Result holds the return value.
//   - On failure: OK is false and Error describes the remote failure.
type Response struct {
	OK     bool         `codec:"ok" json:"ok"`
	Result any          `codec:"result" json:"result"`
	Error  *RemoteError `codec:"error" json:"error"`
}

// Standard error kinds produced by the RPC layer itself.
const (
	KindError            = "Error"
	KindPanic            = "Panic"
	KindUnknownCommand   = "UnknownCommand"
	KindInvalidArgument  = "InvalidArgument"
	KindDeadlineExceeded = "DeadlineExceeded"
	KindCanceled         = "Canceled"
	KindRateLimited      = "RateLimited"
)

// RemoteError describes a failure raised by a remote handler.
type RemoteError struct {
	Kind    string         `codec:"kind" json:"kind"`
	Message string         `codec:"message" json:"message"`
	Detail  map[string]any `codec:"detail" json:"detail,omitempty"`
}

// NewError returns a RemoteError of the given kind. Handlers return it to
// give callers a kind to branch on.
func NewError(kind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Is matches another RemoteError of the same kind. A target with a message
// must also match the message.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok || t == nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// WithDetail attaches structured detail and returns e.
func (e *RemoteError) WithDetail(key string, value any) *RemoteError {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// IsKind reports whether err is a RemoteError of the given kind.
func IsKind(err error, kind string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == kind
}

// KindOf returns the kind of a RemoteError in err's chain, or "".
func KindOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// ErrorFrom converts a local error into a descriptor. An existing RemoteError
// is kept; errors exposing Kind() string keep their kind; anything else
// becomes KindError.
func ErrorFrom(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return &RemoteError{Kind: kinded.Kind(), Message: err.Error()}
	}
	return &RemoteError{Kind: KindError, Message: err.Error()}
}

// Success builds an OK response.
func Success(result any) *Response {
	return &Response{OK: true, Result: result}
}

// Failure builds a failure response from err.
func Failure(err error) *Response {
	return &Response{OK: false, Error: ErrorFrom(err)}
}

// Err returns the remote failure, or nil for an OK response.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Kind: KindError, Message: "failure response without descriptor"}
	}
	return r.Error
}
