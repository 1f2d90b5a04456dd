package errors

import (
	"errors"
	"fmt"
)

// Domain error types for business logic

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates insufficient permissions
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInternal indicates an internal server error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates an operation timeout
	ErrTimeout = errors.New("operation timeout")

	// ErrUnavailable indicates a service is unavailable
	ErrUnavailable = errors.New("service unavailable")
)

// Session and cache specific errors

var (
	// ErrCorrupted indicates a stored value that no longer deserializes
	ErrCorrupted = errors.New("corrupted stored value")

	// ErrSessionExpired indicates a session past its expiry window
	ErrSessionExpired = errors.New("session expired")

	// ErrRateLimited indicates a chat exceeded its request quota
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrThrottled indicates a submission quota was exhausted
	ErrThrottled = errors.New("submission throttled")
)

// Upstream case-management API errors

var (
	// ErrUpstreamUnavailable indicates the case-management API did not respond
	ErrUpstreamUnavailable = errors.New("case-management API unavailable")

	// ErrUpstreamRejected indicates the case-management API rejected the request
	ErrUpstreamRejected = errors.New("case-management API rejected request")
)

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
