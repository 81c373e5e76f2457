package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation      ErrorCode = "validation"
	ErrorAssignment      ErrorCode = "assignment"
	ErrorPrecondition    ErrorCode = "precondition"
	ErrorPhaseMismatch   ErrorCode = "phase_mismatch"
	ErrorIncompleteChat  ErrorCode = "incomplete_chat"
	ErrorDuplicateRating ErrorCode = "duplicate_rating"
	ErrorConflict        ErrorCode = "conflict"
	ErrorNotFound        ErrorCode = "not_found"
	ErrorProvider        ErrorCode = "provider"
	ErrorStorage         ErrorCode = "storage"
	ErrorUnauthorized    ErrorCode = "unauthorized"
	ErrorForbidden       ErrorCode = "forbidden"
	ErrorTooManyRequests ErrorCode = "too_many_requests"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetail returns e with key set in Details.
func (e *ServiceError) WithDetail(key string, v any) *ServiceError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = v
	return e
}

func newError(code ErrorCode, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewValidationError(format string, args ...any) *ServiceError {
	return newError(ErrorValidation, format, args...)
}

func NewAssignmentError(format string, args ...any) *ServiceError {
	return newError(ErrorAssignment, format, args...)
}

func NewPreconditionError(format string, args ...any) *ServiceError {
	return newError(ErrorPrecondition, format, args...)
}

func NewPhaseMismatchError(format string, args ...any) *ServiceError {
	return newError(ErrorPhaseMismatch, format, args...)
}

func NewIncompleteChatError(remaining int) *ServiceError {
	return newError(ErrorIncompleteChat, "%d more message(s) required", remaining).WithDetail("remaining", remaining)
}

func NewDuplicateRatingError(phase int) *ServiceError {
	return newError(ErrorDuplicateRating, "rating for chat %d already submitted", phase)
}

func NewConflictError(format string, args ...any) *ServiceError {
	return newError(ErrorConflict, format, args...)
}

func NewNotFoundError(format string, args ...any) *ServiceError {
	return newError(ErrorNotFound, format, args...)
}

func NewForbiddenError(format string, args ...any) *ServiceError {
	return newError(ErrorForbidden, format, args...)
}

func NewUnauthorizedError(format string, args ...any) *ServiceError {
	return newError(ErrorUnauthorized, format, args...)
}

func NewTooManyRequestsError(format string, args ...any) *ServiceError {
	return newError(ErrorTooManyRequests, format, args...)
}

// WrapProviderError marks a completion backend or transport failure.
func WrapProviderError(err error, msg string) *ServiceError {
	return &ServiceError{Code: ErrorProvider, Message: msg, Err: err}
}

// WrapStorageError marks a persistence failure. Existing service errors pass through unchanged.
func WrapStorageError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsServiceError(err); ok {
		return err
	}
	return &ServiceError{Code: ErrorStorage, Message: msg, Err: err}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsCode reports whether err carries the given service error code.
func IsCode(err error, code ErrorCode) bool {
	se, ok := AsServiceError(err)
	return ok && se.Code == code
}
