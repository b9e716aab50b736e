// Package errors defines unified error types for edge proxy operations.
// Origin-specific failures are mapped to these standard error types
// before they reach the HTTP surface.
package errors

import (
	"fmt"
	"net/http"
)

// EdgeError is a standardized error carrying the HTTP status and a
// machine-readable type for the error envelope.
type EdgeError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

// Error implements the error interface.
func (e *EdgeError) Error() string {
	return fmt.Sprintf("[%s] %s (code=%d)", e.Type, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *EdgeError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeBadRequest     = "bad_request"
	TypeNotFound       = "not_found"
	TypeForbidden      = "forbidden"
	TypeOriginFailure  = "origin_failure"
	TypeRewriteFailure = "rewrite_failure"
	TypeInternalError  = "internal_error"
)

// NewBadRequest creates a bad request error (400).
func NewBadRequest(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeBadRequest,
	}
}

// NewNotFound creates a not found error (404).
func NewNotFound(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
	}
}

// NewForbidden creates a forbidden error (403).
func NewForbidden(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypeForbidden,
	}
}

// NewOriginFailure creates an upstream failure error (502).
func NewOriginFailure(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeOriginFailure,
	}
}

// NewRewriteFailure creates a playlist rewrite error (500).
func NewRewriteFailure(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeRewriteFailure,
	}
}

// NewInternalError creates an internal error (500).
func NewInternalError(message string) *EdgeError {
	return &EdgeError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
	}
}
