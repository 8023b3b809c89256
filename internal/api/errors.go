package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/engine"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/correlate"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/pipelinestore"
)

// Error codes returned in ErrorResponse.Error.
const (
	ErrCodeAuthRequired   = "auth_required"
	ErrCodeInvalidToken   = "invalid_token"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
	ErrCodeValidation     = "validation_failed"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey carries the request id set by LoggingMiddleware.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the request id of r, from the context or the
// X-Request-ID header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// domainError binds a sentinel of the service packages to its response.
type domainError struct {
	target error
	status int
	code   string
}

var domainErrors = []domainError{
	{correlate.ErrUnknownRun, http.StatusNotFound, ErrCodeNotFound},
	{correlate.ErrUnknownExecution, http.StatusNotFound, ErrCodeNotFound},
	{correlate.ErrUnknownNode, http.StatusNotFound, ErrCodeNotFound},
	{correlate.ErrNoEnclosingBlock, http.StatusConflict, ErrCodeConflict},
	{engine.ErrRunNotFound, http.StatusNotFound, ErrCodeNotFound},
	{pipelinestore.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{pipelinestore.ErrInvalid, http.StatusBadRequest, ErrCodeValidation},
}

// classify returns the status and code of err. ok is false for errors no
// sentinel matches.
func classify(err error) (status int, code string, ok bool) {
	for _, d := range domainErrors {
		if errors.Is(err, d.target) {
			return d.status, d.code, true
		}
	}
	return 0, "", false
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// WriteAuthError lets the auth middleware answer with the API's envelope.
func WriteAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorResponse(w, r, status, code, message, nil)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}
