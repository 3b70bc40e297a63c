package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateNumber  = errors.New("sale number already exists")
	ErrDuplicateKey     = errors.New("idempotency key already used")
	ErrConflictResolved = errors.New("conflict already resolved")
	ErrNoRefresh        = errors.New("credential refresh not supported")
	ErrVersionConflict  = errors.New("sale was modified concurrently")
)

// InvalidTransitionError is returned when an operation is not listed for the
// sale's current state. It is always local and never retried.
type InvalidTransitionError struct {
	State     SaleState
	Operation Operation
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s not allowed in state %s", e.Operation, e.State)
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PermissionDeniedError carries the capability gate's escalation hint.
type PermissionDeniedError struct {
	Permission       string
	Reason           string
	RequiresApproval bool
	ApproverRole     string
}

func (e *PermissionDeniedError) Error() string {
	if e.RequiresApproval {
		return fmt.Sprintf("permission denied: %s (%s, approval by %s required)", e.Permission, e.Reason, e.ApproverRole)
	}
	return fmt.Sprintf("permission denied: %s (%s)", e.Permission, e.Reason)
}

type SyncErrorKind string

const (
	SyncRetryable   SyncErrorKind = "RETRYABLE"
	SyncConflict    SyncErrorKind = "CONFLICT"
	SyncFatal       SyncErrorKind = "FATAL"
	SyncAuthExpired SyncErrorKind = "AUTH_EXPIRED"
)

// SyncError is the only error type the sync engine branches on. Backends
// translate transport failures into one of its kinds.
type SyncError struct {
	Kind       SyncErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Conflict   *ConflictDetail
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("sync %s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("sync %s: %s", e.Kind, msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

func Retryable(msg string, err error) *SyncError {
	return &SyncError{Kind: SyncRetryable, Message: msg, Err: err}
}

func Fatal(msg string, err error) *SyncError {
	return &SyncError{Kind: SyncFatal, Message: msg, Err: err}
}

func Conflicted(detail ConflictDetail) *SyncError {
	return &SyncError{Kind: SyncConflict, Message: detail.Message, Conflict: &detail}
}

func AuthExpired(msg string) *SyncError {
	return &SyncError{Kind: SyncAuthExpired, Message: msg}
}

func SyncKindOf(err error) (SyncErrorKind, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsPermissionDenied(err error) bool {
	var e *PermissionDeniedError
	return errors.As(err, &e)
}
