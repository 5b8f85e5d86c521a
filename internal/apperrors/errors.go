// Package apperrors defines the error taxonomy shared by all services in
// this repository. Every error crossing a package boundary carries a Code so
// handlers can map it to a transport status without string matching.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and transport layers.
type Code string

const (
	// ErrCodeNotFound means the referenced resource does not exist.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeConflict means a state-changing race was lost or the operation
	// conflicts with current state (already-resolved step, double-enable).
	// Conflict errors are retryable after a re-fetch.
	ErrCodeConflict Code = "CONFLICT"
	// ErrCodeValidation means the request itself is malformed.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeAuthFailed means a key unwrap or AEAD tag check failed. Never
	// retried automatically.
	ErrCodeAuthFailed Code = "AUTHENTICATION_FAILED"
	// ErrCodeUnauthorized means the actor may not perform this action.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	// ErrCodeInternal is an unexpected backend failure, safe to retry.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the concrete error type carrying a code and optional cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality, so sentinel-style checks like
// errors.Is(err, apperrors.New(apperrors.ErrCodeConflict, "")) work on code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// Conflict reports a lost race or state conflict.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// AuthenticationFailed reports a key unwrap or tag-check failure. The message
// is fixed: it must not distinguish a wrong passphrase from corrupted
// ciphertext (oracle leakage).
func AuthenticationFailed() *Error {
	return &Error{Code: ErrCodeAuthFailed, Message: "decryption failed: invalid key material or corrupted data"}
}

// CodeOf extracts the Code from an error chain, defaulting to ErrCodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
