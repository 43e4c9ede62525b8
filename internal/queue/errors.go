package queue

import (
	"context"
	"errors"
	"strings"

	"qms/walkin-queue/internal/store"
)

// Error kinds returned by the queue engine. Callers match them with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrStaleState        = errors.New("stale state")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// Error carries one of the kinds above plus a caller-facing message. The
// underlying store error is kept for logging but is not exposed via Unwrap.
type Error struct {
	Kind    error
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func (e *Error) Cause() error {
	return e.cause
}

func newError(op string, kind error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// KindOf reports the error kind of err, or nil when err is not a queue error.
func KindOf(err error) error {
	for _, kind := range []error{ErrInvalidInput, ErrNotFound, ErrIllegalTransition, ErrStaleState, ErrStoreUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is the wire name of a kind.
func KindName(kind error) string {
	switch kind {
	case ErrInvalidInput:
		return "invalid_input"
	case ErrNotFound:
		return "not_found"
	case ErrIllegalTransition:
		return "illegal_transition"
	case ErrStaleState:
		return "stale_state"
	case ErrStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal_error"
	}
}

// translate maps a store error into the engine's taxonomy.
func translate(op string, err error) *Error {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr
	}
	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		return &Error{Kind: ErrNotFound, Op: op, Message: "queue entry not found", cause: err}
	case errors.Is(err, store.ErrServiceNotFound):
		return &Error{Kind: ErrNotFound, Op: op, Message: "service not found", cause: err}
	case errors.Is(err, store.ErrServiceInactive):
		return &Error{Kind: ErrInvalidInput, Op: op, Message: "service is not accepting entries", cause: err}
	case errors.Is(err, store.ErrStaleState):
		return &Error{Kind: ErrStaleState, Op: op, Message: "entry status changed, reload and retry", cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrStoreUnavailable, Op: op, Message: "store timed out", cause: err}
	default:
		return &Error{Kind: ErrStoreUnavailable, Op: op, Message: "store unavailable", cause: err}
	}
}
