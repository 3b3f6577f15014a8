// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures so callers can decide whether to degrade or surface them.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeRemote     ErrorType = "remote_error"
	ErrorTypeStorage    ErrorType = "storage_error"
	ErrorTypeContract   ErrorType = "contract_violation"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeShutdown   ErrorType = "shutdown"
)

// AppError is the error shape shared by every internal package.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

// Error implements error
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError builds an AppError of the given type
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewRemoteError marks a failure talking to the script authority (network, status, payload shape).
func NewRemoteError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeRemote, message, originalError)
}

// NewStorageError marks a durable storage failure (I/O, corrupt record).
func NewStorageError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeStorage, message, originalError)
}

// NewContractError marks a programming error, e.g. playing an empty script.
func NewContractError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeContract, message, originalError)
}

func NewTimeoutError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeTimeout, message, originalError)
}

func NewConflictError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConflict, message, originalError)
}

func NewShutdownError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeShutdown, message, originalError)
}

// TypeOf returns the AppError type carried anywhere in err's chain, or "" if none.
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

func IsValidationError(err error) bool { return TypeOf(err) == ErrorTypeValidation }

func IsNotFoundError(err error) bool { return TypeOf(err) == ErrorTypeNotFound }

func IsRemoteError(err error) bool { return TypeOf(err) == ErrorTypeRemote }

func IsStorageError(err error) bool { return TypeOf(err) == ErrorTypeStorage }

func IsContractError(err error) bool { return TypeOf(err) == ErrorTypeContract }

func IsShutdownError(err error) bool { return TypeOf(err) == ErrorTypeShutdown }

func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeRemote:
		return "REMOTE_ERROR"
	case ErrorTypeStorage:
		return "STORAGE_ERROR"
	case ErrorTypeContract:
		return "CONTRACT_VIOLATION"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeShutdown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError adds context to err, keeping its type when it is already an AppError.
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
