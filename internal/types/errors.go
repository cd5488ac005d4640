package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services use these instead of
// hardcoded strings so that HTTP mapping stays consistent.
const (
	// Validation (400)
	ErrCodeValidationInvalidLat      ErrorCode = "validation_invalid_latitude"
	ErrCodeValidationInvalidLon      ErrorCode = "validation_invalid_longitude"
	ErrCodeValidationInvalidRange    ErrorCode = "validation_invalid_date_range"
	ErrCodeValidationInvalidOperator ErrorCode = "validation_invalid_operator"
	ErrCodeValidationInvalidStat     ErrorCode = "validation_invalid_statistic"
	ErrCodeValidationInvalidPolygon  ErrorCode = "validation_invalid_polygon"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"

	// Not Found (404)
	ErrCodeNotFoundSource ErrorCode = "not_found_source"
	ErrCodeNotFoundTile   ErrorCode = "not_found_tile"

	// Conflict (409)
	ErrCodeConflictMergeInFlight ErrorCode = "conflict_merge_in_flight"

	// Upstream (502)
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamNotReady    ErrorCode = "upstream_not_yet_published"

	// Internal (500)
	ErrCodeInternalUnexpected     ErrorCode = "internal_unexpected_error"
	ErrCodeInternalDB             ErrorCode = "internal_database_error"
	ErrCodeInternalSchemaDrift    ErrorCode = "internal_schema_drift"
	ErrCodeInternalArchiveCorrupt ErrorCode = "internal_archive_corruption"
	ErrCodeInternalTileCorrupt    ErrorCode = "internal_tile_corruption"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent error formatting,
// HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
