package shared

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error taxonomy exposed to callers.
type ErrorKind string

const (
	// KindConfiguration: no executor registered for a role. Fatal for the task.
	KindConfiguration ErrorKind = "ConfigurationError"
	// KindExecution: executor reported failure or panicked. Eligible for manual requeue.
	KindExecution ErrorKind = "ExecutionError"
	// KindConcurrencyMiss: a claim raced and lost. Not an error for callers.
	KindConcurrencyMiss  ErrorKind = "ConcurrencyMiss"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindApprovalRequired ErrorKind = "ApprovalRequired"
	// KindStorageUnavailable: backing store unreachable.
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
	KindNotFound           ErrorKind = "NotFound"
	KindInvalidInput       ErrorKind = "InvalidInput"
	KindUnauthenticated    ErrorKind = "Unauthenticated"
	KindConflict           ErrorKind = "Conflict"
	KindRateLimited        ErrorKind = "RateLimited"
	KindInternal           ErrorKind = "InternalError"
)

// Error carries a taxonomy kind plus a human-readable message. The wrapped
// error stays internal and is never rendered to API callers.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error without a cause.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around cause. A nil cause returns nil.
func WrapError(kind ErrorKind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the taxonomy kind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the message safe to show to API callers.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
