// Package api provides the HTTP handlers of the attendance service and its
// standardized error envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMethodNotAllowed indicates the route does not accept the method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeMissingField indicates a required attendance field was absent.
	ErrCodeMissingField = "missing_field"

	// ErrCodeInvalidStatus indicates a status other than present, late or absent.
	ErrCodeInvalidStatus = "invalid_status"

	// ErrCodeInvalidDate indicates a date that is not YYYY-MM-DD.
	ErrCodeInvalidDate = "invalid_date"

	// ErrCodeInvalidTimestamp indicates an unparseable timestamp.
	ErrCodeInvalidTimestamp = "invalid_timestamp"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The code is attached to ctx and handed to the logging middleware, which
// logs it for every 4xx and 5xx response.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = middleware.SetErrorCode(ctx, code)
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for an error code.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeMissingField,
		ErrCodeInvalidStatus, ErrCodeInvalidDate, ErrCodeInvalidTimestamp:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// normalizationErrorCode maps a normalization failure to its API error code.
// ok is false for errors that are not normalization failures.
func normalizationErrorCode(err error) (code string, ok bool) {
	var nerr *attendance.NormalizationError
	if !errors.As(err, &nerr) {
		return "", false
	}
	switch nerr.Kind {
	case attendance.KindMissingField:
		return ErrCodeMissingField, true
	case attendance.KindInvalidStatus:
		return ErrCodeInvalidStatus, true
	case attendance.KindInvalidDate:
		return ErrCodeInvalidDate, true
	case attendance.KindInvalidTimestamp:
		return ErrCodeInvalidTimestamp, true
	default:
		return ErrCodeValidation, true
	}
}
