// Package brokererr defines the broker's error taxonomy. Every component
// returns errors of one of these kinds instead of raising ad-hoc sentinel
// values, so callers can distinguish expected outcomes (Busy, Timeout,
// Conflict) from programmer errors without string matching.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories.
type Kind int

const (
	// KindInternal marks a programmer error or panic recovery; maps to 500.
	KindInternal Kind = iota
	// KindValidation marks caller-supplied invalid arguments; maps to 400.
	KindValidation
	// KindNotFound marks a missing agent/conversation/ticket/turn; maps to 404.
	KindNotFound
	// KindConflict marks an illegal state transition or duplicate key; maps to 409.
	KindConflict
	// KindBusy marks a locked session, open circuit, or saturated half-open probe; maps to 429.
	KindBusy
	// KindTimeout marks an expired lock-acquire, execution, or supervisor deadline; maps to 504.
	KindTimeout
	// KindUpstream marks a CLI spawn/exit/parse failure; reported as ExecutionFailed.
	KindUpstream
	// KindIntegrity marks a persistent-store invariant violation.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string // e.g. "ticket.postReply"
	Err  error

	// RetryHint is set on Busy errors to tell the caller how long to wait before retrying.
	RetryHint string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted underlying error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Busy constructs a Busy error carrying a retry hint.
func Busy(op, retryHint string, err error) *Error {
	return &Error{Kind: KindBusy, Op: op, Err: err, RetryHint: retryHint}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
