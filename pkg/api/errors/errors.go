package errors

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UnauthorizedError returns a generic unauthorized error
func UnauthorizedError(c echo.Context, reason string) error {
	log.Printf("[UNAUTHORIZED] Path: %s, Reason: %s", c.Request().URL.Path, reason)

	return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Error:   "unauthorized",
		Message: "You are not authorized to access this resource.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context, resource string) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}

// ConflictError returns a conflict error
func ConflictError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message, // Message is safe to expose
	})
}

// EntitlementError means the subscription does not include the capability
func EntitlementError(c echo.Context, message string) error {
	return c.JSON(http.StatusForbidden, models.ErrorResponse{
		Error:   "entitlement_required",
		Message: message,
	})
}

// QuotaError means an entitled subscriber ran out of quota
func QuotaError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "quota_exceeded",
		Message: message,
	})
}

// RetryableError tells the caller to retry later; webhook deliveries that
// hit it get redelivered by the provider
func RetryableError(c echo.Context, err error) error {
	log.Printf("[RETRYABLE ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
		Error:   "temporarily_unavailable",
		Message: "The request could not be processed right now. Please retry.",
	})
}

// FromDomain maps a domain error onto the matching HTTP response
func FromDomain(c echo.Context, err error) error {
	switch {
	case domain.IsNotFound(err):
		return NotFoundError(c, "")
	case domain.IsValidation(err):
		return ValidationError(c, err)
	case domain.IsAuthentication(err):
		return UnauthorizedError(c, err.Error())
	case domain.IsEntitlementAbsent(err):
		return EntitlementError(c, err.Error())
	case domain.IsQuotaExceeded(err):
		return QuotaError(c, err.Error())
	case domain.IsConflict(err):
		return ConflictError(c, err.Error())
	case domain.IsTransientStorage(err), domain.IsProviderUnreachable(err):
		return RetryableError(c, err)
	default:
		return InternalError(c, err)
	}
}
