// Package fault classifies errors crossing component boundaries so that
// workflows, consumers and the HTTP surface all route failures the same way.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown         Kind = iota
	KindValidation           // malformed or contradictory input
	KindUnauthenticated      // missing or invalid credentials
	KindForbidden            // authenticated but not allowed
	KindNotFound             // resource absent within the caller's scope
	KindConflict             // state precondition violated (duplicate workflow, wrong state)
	KindRateLimited          // upstream or internal quota exhausted
	KindTransient            // retryable downstream failure (timeout, 5xx, reset)
	KindPermanent            // non-retryable downstream failure (auth, 4xx)
	KindFatal                // coordinator-level failure, abort the run
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause. Op names the operation
// that failed, e.g. "suppliers.mouser.search".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first classified Kind.
// Context cancellation maps to KindTransient so interrupted activities
// replay instead of failing lines.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether a bounded retry may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies an upstream HTTP response code.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindPermanent
	case status >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}

// HTTPStatus maps an error to the response code the API layer should emit.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
