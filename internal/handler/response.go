package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"covtrack/internal/engine"
)

// Response represents a standard API response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents error details.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	json.NewEncoder(w).Encode(resp)
}

// Error writes an error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(resp)
}

// Common error responses
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, "CONFLICT", message)
}

func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func TooManyRequests(w http.ResponseWriter, message string) {
	Error(w, http.StatusTooManyRequests, "RATE_LIMITED", message)
}

// ValidationFailed reports a rejected template or covenant definition.
func ValidationFailed(w http.ResponseWriter, err *engine.ConfigurationError) {
	Error(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error())
}

// EngineError maps the engine error taxonomy onto HTTP responses.
func EngineError(w http.ResponseWriter, err error) {
	var cfgErr *engine.ConfigurationError
	var inputErr *engine.InputError
	var integrityErr *engine.IntegrityError

	switch {
	case errors.As(err, &cfgErr):
		ValidationFailed(w, cfgErr)
	case errors.As(err, &inputErr):
		BadRequest(w, inputErr.Error())
	case errors.As(err, &integrityErr):
		Conflict(w, integrityErr.Error())
	case engine.IsTransient(err):
		Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", "temporarily unable to process, retry later")
	default:
		InternalError(w, "unexpected engine failure")
	}
}
