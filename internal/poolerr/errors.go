// Package poolerr defines the error taxonomy shared by the pool components.
//
// Errors carry a Kind so callers (and the HTTP layer) can branch on the class of
// failure without string matching. Use the Is* predicates; they see through
// fmt.Errorf("%w") wrapping.
package poolerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pool error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidRequest
	KindInsufficientMemory
	KindInUse
	KindCacheFull
	KindTimeout
	KindWorkerCrashed
	KindStorage
	KindPartialFailure
	KindConflict
	KindInvariant
	KindNotImplemented
	KindUnavailable
	KindWorker
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNotFound:           "not_found",
	KindInvalidRequest:     "invalid_request",
	KindInsufficientMemory: "insufficient_memory",
	KindInUse:              "in_use",
	KindCacheFull:          "cache_full",
	KindTimeout:            "timeout",
	KindWorkerCrashed:      "worker_crashed",
	KindStorage:            "storage_error",
	KindPartialFailure:     "partial_failure",
	KindConflict:           "conflict",
	KindInvariant:          "invariant_violation",
	KindNotImplemented:     "not_implemented",
	KindUnavailable:        "unavailable",
	KindWorker:             "worker_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the concrete error type returned by pool components.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "cache.evict"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Msg
	if e.Op != "" {
		if s == "" {
			s = e.Op
		} else {
			s = e.Op + ": " + s
		}
	}
	if e.Err != nil {
		if s == "" {
			return e.Err.Error()
		}
		return s + ": " + e.Err.Error()
	}
	if s == "" {
		return e.Kind.String()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInsufficientMemory, KindCacheFull:
		return http.StatusInsufficientStorage
	case KindInUse, KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindWorkerCrashed, KindWorker:
		return http.StatusBadGateway
	case KindPartialFailure:
		return http.StatusMultiStatus
	case KindNotImplemented:
		return http.StatusNotImplemented
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New constructs an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. Wrap(nil) returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func IsNotFound(err error) bool           { return is(err, KindNotFound) }
func IsInvalidRequest(err error) bool     { return is(err, KindInvalidRequest) }
func IsInsufficientMemory(err error) bool { return is(err, KindInsufficientMemory) }
func IsInUse(err error) bool              { return is(err, KindInUse) }
func IsCacheFull(err error) bool          { return is(err, KindCacheFull) }
func IsTimeout(err error) bool            { return is(err, KindTimeout) }
func IsWorkerCrashed(err error) bool      { return is(err, KindWorkerCrashed) }
func IsStorage(err error) bool            { return is(err, KindStorage) }
func IsPartialFailure(err error) bool     { return is(err, KindPartialFailure) }
func IsConflict(err error) bool           { return is(err, KindConflict) }
func IsInvariant(err error) bool          { return is(err, KindInvariant) }
func IsNotImplemented(err error) bool     { return is(err, KindNotImplemented) }
func IsUnavailable(err error) bool        { return is(err, KindUnavailable) }
func IsWorker(err error) bool             { return is(err, KindWorker) }

// Shorthand constructors for the common kinds.

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func InvalidRequest(op, format string, args ...any) *Error {
	return New(KindInvalidRequest, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}
