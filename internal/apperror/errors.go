package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidation creates a ValidationError for a single field
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// PortExhaustion is returned when no port in the configured range is free
type PortExhaustion struct {
	Base int
	Span int
}

func (e *PortExhaustion) Error() string {
	return fmt.Sprintf("no free port in range [%d, %d)", e.Base, e.Base+e.Span)
}

// ProcessLaunchError is returned when the supervised process cannot be started
type ProcessLaunchError struct {
	Process string
	Reason  string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to launch %s: %s: %v", e.Process, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to launch %s: %s", e.Process, e.Reason)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// ProviderErrorKind classifies provider failures for the retry policy
type ProviderErrorKind string

const (
	// KindTransient covers network errors, rate limiting and 5xx responses
	KindTransient ProviderErrorKind = "transient"
	// KindAuth covers authentication and authorization failures
	KindAuth ProviderErrorKind = "auth"
	// KindPermanent covers every other rejected request
	KindPermanent ProviderErrorKind = "permanent"
)

// ProviderAPIError wraps a failed call to a DNS/registrar API
type ProviderAPIError struct {
	Provider   string
	Operation  string
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderAPIError) Error() string {
	msg := fmt.Sprintf("%s %s failed (%s", e.Provider, e.Operation, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", http %d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderAPIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on another attempt
func (e *ProviderAPIError) Retryable() bool {
	return e.Kind == KindTransient
}

// StorageError wraps a registry persistence failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorage wraps err as a StorageError unless it already is one
func NewStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// HTTPStatus maps an error from the engine to a REST status code
func HTTPStatus(err error) int {
	var (
		ve  *ValidationError
		pe  *PortExhaustion
		ple *ProcessLaunchError
		pae *ProviderAPIError
		se  *StorageError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable
	case errors.As(err, &pae):
		return http.StatusBadGateway
	case errors.As(err, &ple), errors.As(err, &se):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
