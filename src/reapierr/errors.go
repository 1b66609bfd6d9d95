// Package reapierr defines the small closed set of error kinds that the CAS
// client, merkle model and runner core distinguish by tag, as opposed to
// treating every failure as an opaque error.
package reapierr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A Kind identifies which of the error categories an Error belongs to.
type Kind int

// The error kinds the core distinguishes. See spec §7.
const (
	// Transport is a connection, TLS or framing error.
	Transport Kind = iota
	// Rpc is a terminal non-OK status from a unary or streaming RPC.
	Rpc
	// NotFound is the NOT_FOUND sub-kind of Rpc for reads; never retried.
	NotFound
	// InvalidArgument is a contract violation by the caller.
	InvalidArgument
	// Io is a local filesystem failure.
	Io
	// Integrity means downloaded bytes didn't match the requested digest,
	// or a log-stream commit's committed_size didn't match the local offset.
	Integrity
	// RetryExhausted means the retry envelope ran out of attempts; the
	// wrapped error is the last underlying status.
	RetryExhausted
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Rpc:
		return "rpc"
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case Io:
		return "io"
	case Integrity:
		return "integrity"
	case RetryExhausted:
		return "retry_exhausted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's packages. It
// always carries a Kind so callers can switch on failure category without
// string-matching messages.
type Error struct {
	Kind Kind
	// Code is the gRPC status code, if this error originated from an RPC.
	Code codes.Code
	// Msg is a human-readable description.
	Msg string
	// Err is the underlying error, if any (for errors.Unwrap).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match by kind: it reports true when target is an
// *Error with the same Kind as e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping another error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// FromStatus converts a terminal gRPC error into an *Error, classifying
// NOT_FOUND on its own so callers can distinguish cache misses from
// transport failures, per spec §7.
func FromStatus(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: Transport, Msg: msg, Err: err}
	}
	kind := Rpc
	if s.Code() == codes.NotFound {
		kind = NotFound
	}
	return &Error{Kind: kind, Code: s.Code(), Msg: msg, Err: err}
}

// KindOf reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether err is a NotFound error, whether produced here
// or returned directly as a gRPC status.
func IsNotFound(err error) bool {
	if k, ok := KindOf(err); ok {
		return k == NotFound
	}
	return status.Code(err) == codes.NotFound
}
