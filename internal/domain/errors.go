package domain

import (
	"errors"
	"fmt"
)

// Error represents a domain error
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeConfig       = "CONFIG"
	ErrCodeEnvironment  = "ENVIRONMENT"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeVerification = "VERIFICATION"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// ErrImageNotFound is returned when the container engine has no record of a
// requested image reference.
var ErrImageNotFound = &Error{Code: ErrCodeNotFound, Message: "image not found in engine"}

// NewError creates a new domain error
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new domain error with a cause
func NewErrorWithCause(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode reports whether err (or anything it wraps) is a domain Error with
// the given code.
func IsCode(err error, code string) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
