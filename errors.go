package main

import (
	"errors"
	"net/http"

	"github.com/example/authsession/internal/auth"
	"github.com/example/authsession/internal/token"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string            `json:"error_code"`
	Message string            `json:"error_message"`
	Details string            `json:"details,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
	})
}

// writeValidationError reports request-shape failures per field.
func writeValidationError(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    "VALIDATION_FAILED",
		Message: "Request validation failed",
		Errors:  fields,
	})
}

// writeServiceError maps service errors to responses. Unexpected errors are
// logged and answered with an opaque 500.
func (a *App) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrDuplicateAccount):
		writeError(w, http.StatusBadRequest, "USER_EXISTS", "User with this email already exists")
	case errors.Is(err, auth.ErrDomain):
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:    "INVALID_REQUEST",
			Message: "Request rejected",
			Details: err.Error(),
		})
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired")
	default:
		a.logger.Error("HTTP: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error())
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
	}
}
