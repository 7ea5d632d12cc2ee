package wire

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	validationErrorName = "ValidationError"
	transportErrorName  = "TransportError"
	apiErrorName        = "ApiError"
)

// ValidationError is a malformed verb or request shape. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// TransportError means the backend or the socket could not be reached.
// It always reports status 0 and is the only recoverable class.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error"
	}
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// APIError is a backend response with status >= 400.
type APIError struct {
	StatusCode int
	// Body is the raw JSON body, or the body text encoded as a JSON string.
	Body    []byte
	Message string
	// Response is set when the error was decoded from a socket envelope.
	Response *Response
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), string(e.Body))
}

// StatusCode extracts the status carried by err: 0 for transport errors,
// 400 for validation errors, the backend status for API errors, 500 otherwise.
func StatusCode(err error) int {
	var (
		validationErr *ValidationError
		transportErr  *TransportError
		apiErr        *APIError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &transportErr):
		return 0
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &apiErr):
		return apiErr.StatusCode
	default:
		return http.StatusInternalServerError
	}
}

// IsTransport reports whether err is a status-0 failure.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
