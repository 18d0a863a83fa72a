// ABOUTME: Error kinds and constructors for validation, network, and listener failures
// ABOUTME: Every component wraps its failures in *Error so callers can branch on Kind

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindNetwork     Kind = "network"
	KindListener    Kind = "listener"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindPermission  Kind = "permission"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given kind.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation reports input rejected before any I/O.
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// Validationf is Validation with formatting.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// RateLimited reports a limiter refusal.
func RateLimited(op string, remaining int) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Message: fmt.Sprintf("rate limit reached (%d remaining)", remaining)}
}

// Network wraps a transient transport failure.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Message: "request failed", Err: err}
}

// Listener wraps a subscription failure.
func Listener(op string, err error) *Error {
	return &Error{Kind: KindListener, Op: op, Message: "subscription failed", Err: err}
}

// NotFound reports a missing document.
func NotFound(op, what string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: what + " not found", Err: err}
}

// Conflict reports a lost conditional write.
func Conflict(op, message string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message, Err: err}
}

// Permission reports an unauthorized actor.
func Permission(op, message string) *Error {
	return &Error{Kind: KindPermission, Op: op, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
