// Package apperror provides structured error handling following RFC 7807 Problem Details.
// Errors that reach the HTTP edge are converted to AppError for consistent API responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes.
const (
	// Infrastructure errors (5xx)
	CodeInternal         = "INTERNAL_ERROR"
	CodeDatabase         = "DATABASE_ERROR"
	CodeTimeout          = "TIMEOUT_ERROR"
	CodeTransportFailure = "TRANSPORT_FAILURE"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"

	// Validation errors (400)
	CodeValidation     = "VALIDATION_ERROR"
	CodeTenantRequired = "TENANT_REQUIRED"

	// Authorization errors (401, 403)
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeTenantInactive = "TENANT_INACTIVE"

	// Not found (404)
	CodeNotFound       = "NOT_FOUND"
	CodeTenantNotFound = "TENANT_NOT_FOUND"
	CodeEntityNotFound = "ENTITY_NOT_FOUND"

	// Conflict (409)
	CodeConflict              = "CONFLICT"
	CodeTerminalStateConflict = "TERMINAL_STATE_CONFLICT"

	// Replication (recorded per inbox row, surfaced through /sync/status)
	CodeApplyFailure = "APPLY_FAILURE"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewTenantNotFound is returned when a hospital is not registered in the catalog.
func NewTenantNotFound(tenantID int64) *AppError {
	return &AppError{
		Code:       CodeTenantNotFound,
		Message:    "hospital not found",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"tenant_id": tenantID},
	}
}

// NewTenantInactive is returned when a hospital exists but is switched off.
func NewTenantInactive(tenantID int64) *AppError {
	return &AppError{
		Code:       CodeTenantInactive,
		Message:    "hospital is not active",
		HTTPStatus: http.StatusForbidden,
		Details:    map[string]any{"tenant_id": tenantID},
	}
}

// NewTenantRequired is returned when no tenant hint was supplied.
func NewTenantRequired() *AppError {
	return &AppError{
		Code:       CodeTenantRequired,
		Message:    "hospital is required",
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewEntityNotFound is returned when no active shard holds the entity.
func NewEntityNotFound(entityType, key string) *AppError {
	return &AppError{
		Code:       CodeEntityNotFound,
		Message:    fmt.Sprintf("%s not found in any hospital", entityType),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity_type": entityType, "key": key},
	}
}

// NewTerminalStateConflict is returned when restore/purge hits a settled trash record.
func NewTerminalStateConflict(trashID int64, state string) *AppError {
	return &AppError{
		Code:       CodeTerminalStateConflict,
		Message:    fmt.Sprintf("trash record is already %s", state),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"trash_id": trashID, "state": state},
	}
}

// NewTimeout creates a gateway timeout error (504)
func NewTimeout(message string) *AppError {
	return &AppError{
		Code:       CodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// NewUnavailable creates a service unavailable error (503)
func NewUnavailable(message string) *AppError {
	return &AppError{
		Code:       CodeUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUnauthorized creates an authentication error (401)
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:       CodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NewForbidden creates an authorization error (403)
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:       CodeForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// NewConflict creates a conflict error (409)
func NewConflict(message string) *AppError {
	return &AppError{
		Code:       CodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries the given AppError code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}
