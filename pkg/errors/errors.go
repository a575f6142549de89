package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target carries the same code, so clones still match their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound       = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden      = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized   = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict       = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation     = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal       = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrTransient      = New("TRANSIENT_FAILURE", http.StatusServiceUnavailable, "store temporarily unavailable")
	ErrTenantMismatch = New("TENANT_MISMATCH", http.StatusForbidden, "entity belongs to another tenant")
	ErrTenantMissing  = New("TENANT_REQUIRED", http.StatusUnauthorized, "tenant context missing")
)

// Dismissal engine errors.
var (
	ErrInvalidSessionTransition = New("INVALID_SESSION_TRANSITION", http.StatusConflict, "invalid session transition")
	ErrSessionAlreadyOpen       = New("SESSION_ALREADY_OPEN", http.StatusConflict, "an open session already exists for this date")
	ErrSessionNotActive         = New("SESSION_NOT_ACTIVE", http.StatusConflict, "session is not active")
	ErrIllegalTransition        = New("ILLEGAL_TRANSITION", http.StatusConflict, "illegal queue entry transition")
	ErrStaleEntryState          = New("STALE_ENTRY_STATE", http.StatusConflict, "queue entry state changed concurrently")
	ErrDuplicateQueueEntry      = New("DUPLICATE_QUEUE_ENTRY", http.StatusConflict, "student already queued for this session")
	ErrDuplicateChangeRequest   = New("DUPLICATE_CHANGE_REQUEST", http.StatusConflict, "a pending change already exists for this student")
	ErrChangeAlreadyResolved    = New("CHANGE_ALREADY_RESOLVED", http.StatusConflict, "change request already resolved")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Code extracts the typed code from err, or "" when err is not an *Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
