package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error with a code and message
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeAuthentication      = "AUTHENTICATION_ERROR"
	ErrCodeDuplicateEvent      = "DUPLICATE_EVENT"
	ErrCodeStaleEvent          = "STALE_EVENT"
	ErrCodeTransientStorage    = "TRANSIENT_STORAGE"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeProviderUnreachable = "PROVIDER_UNREACHABLE"
	ErrCodeQuotaExceeded       = "QUOTA_EXCEEDED"
	ErrCodeEntitlementAbsent   = "ENTITLEMENT_ABSENT"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeConflict            = "CONFLICT"
)

// Error constructors

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) error {
	return &DomainError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewValidationError creates a new validation error
func NewValidationError(msg string) error {
	return &DomainError{
		Code:    ErrCodeValidation,
		Message: msg,
	}
}

// NewAuthenticationError creates an error for a webhook payload whose
// signature could not be verified. Never retried, security-logged.
func NewAuthenticationError(err error) error {
	return &DomainError{
		Code:    ErrCodeAuthentication,
		Message: "webhook signature verification failed",
		Err:     err,
	}
}

// NewTransientStorageError wraps a storage failure that should be retried
// with backoff rather than surfaced as final.
func NewTransientStorageError(err error) error {
	return &DomainError{
		Code:    ErrCodeTransientStorage,
		Message: "durable storage unavailable",
		Err:     err,
	}
}

// NewProviderUnreachableError wraps a failed outbound call to the payment
// provider. The reconciliation sweep defers the subscriber to the next cycle.
func NewProviderUnreachableError(err error) error {
	return &DomainError{
		Code:    ErrCodeProviderUnreachable,
		Message: "payment provider unreachable",
		Err:     err,
	}
}

// NewQuotaExceededError creates an error for a pin request over plan quota.
func NewQuotaExceededError(quota int) error {
	return &DomainError{
		Code:    ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("pin quota of %d exceeded", quota),
	}
}

// NewEntitlementAbsentError creates an error for a premium action attempted
// without an active entitlement.
func NewEntitlementAbsentError(msg string) error {
	return &DomainError{
		Code:    ErrCodeEntitlementAbsent,
		Message: msg,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(err error) error {
	return &DomainError{
		Code:    ErrCodeInternal,
		Message: "an internal error occurred",
		Err:     err,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(msg string) error {
	return &DomainError{
		Code:    ErrCodeConflict,
		Message: msg,
	}
}

// Helper functions to check error types

func hasCode(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsAuthentication checks if the error is a webhook authentication error
func IsAuthentication(err error) bool {
	return hasCode(err, ErrCodeAuthentication)
}

// IsTransientStorage checks if the error is a retryable storage error
func IsTransientStorage(err error) bool {
	return hasCode(err, ErrCodeTransientStorage)
}

// IsProviderUnreachable checks if the error is an outbound provider failure
func IsProviderUnreachable(err error) bool {
	return hasCode(err, ErrCodeProviderUnreachable)
}

// IsQuotaExceeded checks if the error is a pin quota error
func IsQuotaExceeded(err error) bool {
	return hasCode(err, ErrCodeQuotaExceeded)
}

// IsEntitlementAbsent checks if the error is a missing entitlement error
func IsEntitlementAbsent(err error) bool {
	return hasCode(err, ErrCodeEntitlementAbsent)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// GetErrorCode extracts the error code from a domain error
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}
