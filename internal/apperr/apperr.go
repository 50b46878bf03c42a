package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it (HTTP status mapping, retries).
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
	KindInvalidArgument Kind = "invalid_argument"
	KindInternal        Kind = "internal"
)

// Error is the service-level error carried from the storage and service layers up to the HTTP layer.
type Error struct {
	Kind    Kind   // Classification of the failure
	Op      string // Operation that failed (e.g., "request_download", "sync_playback")
	Message string // Human-readable message, safe to show to the client
	Err     error  // Underlying error, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(op, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected storage or broker failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Errors that carry no kind are internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}

	return "internal error"
}
