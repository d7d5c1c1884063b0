package trace

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the structured error shared by the recorder, transport and store.
//
// Error categories:
//   - Validation: malformed payload, rejected before any write
//   - Step already finalized: second terminal transition on one accumulator
//   - Transport: network or timeout failure during flush (recoverable)
//   - Not found: read of an unknown run or step
//   - Storage conflict: constraint violation the upsert keys do not absorb
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entity is "run" or "step" when the error concerns one record.
	Entity string

	// ID identifies the affected record.
	ID string

	// Fields lists per-field problems for validation errors.
	Fields []FieldError

	// Retryable marks transport failures that should be redelivered.
	Retryable bool

	// StatusCode is the HTTP status observed by the transport, if any.
	StatusCode int

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed payload.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeStepAlreadyFinalized indicates a second finalize on one step.
	ErrCodeStepAlreadyFinalized ErrorCode = "STEP_ALREADY_FINALIZED"

	// ErrCodeTransport indicates a delivery failure.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	// ErrCodeNotFound indicates an unknown run or step id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeStorageConflict indicates a constraint violation or a terminal
	// state conflict.
	ErrCodeStorageConflict ErrorCode = "STORAGE_CONFLICT"
)

// FieldError describes one invalid field of a payload.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ErrStepAlreadyFinalized is returned by a second Finalize on the same step.
var ErrStepAlreadyFinalized = &Error{
	Code:    ErrCodeStepAlreadyFinalized,
	Message: "step already finalized",
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Entity != "" && e.ID != "" {
		fmt.Fprintf(&b, " (%s=%s)", e.Entity, e.ID)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.Path + ": " + f.Message
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code, so errors.Is(err, ErrStepAlreadyFinalized)
// holds for any step-already-finalized error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.ID == "" && t.Entity == ""
}

// NewValidationError creates a validation error with field details.
func NewValidationError(message string, fields ...FieldError) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Fields:  fields,
	}
}

// NewNotFoundError creates a not-found error for a run or step.
func NewNotFoundError(entity, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: entity + " not found",
		Entity:  entity,
		ID:      id,
	}
}

// NewStorageConflict creates a storage conflict error.
func NewStorageConflict(entity, id, message string, cause error) *Error {
	return &Error{
		Code:    ErrCodeStorageConflict,
		Message: message,
		Entity:  entity,
		ID:      id,
		Err:     cause,
	}
}

// NewTransportError creates a transport error.
// statusCode is 0 when no HTTP response was received.
func NewTransportError(message string, statusCode int, retryable bool, cause error) *Error {
	return &Error{
		Code:       ErrCodeTransport,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        cause,
	}
}

// codeOf extracts the code of the outermost *Error in err's chain.
func codeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsValidationError returns true if err is a validation error.
func IsValidationError(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeValidation
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeNotFound
}

// IsStorageConflict returns true if err is a storage conflict.
func IsStorageConflict(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeStorageConflict
}

// IsTransportError returns true if err is a transport error.
func IsTransportError(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeTransport
}

// IsRetryable returns true if err is a transport error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeTransport && e.Retryable
	}
	return false
}
