package core

import (
	"errors"
	"fmt"
)

// Error kinds shared by the dispatcher, store and HTTP layer
var (
	ErrAdmissionDenied   = errors.New("maximum number of running jobs achieved")
	ErrValidation        = errors.New("validation failed")
	ErrJobNotFound       = errors.New("job not found")
	ErrStoreUnavailable  = errors.New("result store unavailable")
	ErrUpstream          = errors.New("upstream failure")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobCanceled       = errors.New("job canceled")
)

// AppError carries a machine-readable code alongside the wrapped kind
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates an AppError
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Validationf returns a validation error with a formatted message
func Validationf(format string, args ...any) error {
	return NewAppError("validation", fmt.Sprintf(format, args...), ErrValidation)
}

// Upstream wraps a collaborator failure
func Upstream(what string, err error) error {
	if err == nil {
		return nil
	}
	return NewAppError("upstream", what, errors.Join(ErrUpstream, err))
}
