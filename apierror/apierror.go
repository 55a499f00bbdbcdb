// Package apierror defines the REST error taxonomy of SPEC_FULL.md §7:
// a single typed error carrying a stable code, message, optional details,
// and the HTTP status it maps to, so handlers do a single dispatch instead
// of hand-rolling a response shape per failure.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the stable machine-readable error identifiers returned
// in REST error bodies.
type Code string

const (
	CodeInvalidRTSPURL   Code = "INVALID_RTSP_URL"
	CodeDuplicateName    Code = "DUPLICATE_NAME"
	CodeInvalidParams    Code = "INVALID_PARAMS"
	CodeInvalidOrder     Code = "INVALID_ORDER"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConcurrencyLimit Code = "CONCURRENCY_LIMIT"
	CodeGPUUnavailable   Code = "GPU_UNAVAILABLE"
	CodeStreamNotRunning Code = "STREAM_NOT_RUNNING"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL"
)

// APIError is the error type every REST-facing failure is converted to
// before being written to the client.
type APIError struct {
	Code       Code
	Message    string
	Details    map[string]any
	HTTPStatus int
	cause      error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// WithDetails returns a copy of e with Details merged in.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	out := *e
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	out.Details = merged
	return &out
}

func newErr(code Code, status int, format string, args ...any) *APIError {
	return &APIError{Code: code, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

func InvalidRTSPURL(reason string) *APIError {
	return newErr(CodeInvalidRTSPURL, http.StatusBadRequest, "invalid rtsp_url: %s", reason)
}

func DuplicateName(name string) *APIError {
	return newErr(CodeDuplicateName, http.StatusBadRequest, "a stream named %q already exists", name)
}

func InvalidParams(reason string) *APIError {
	return newErr(CodeInvalidParams, http.StatusBadRequest, "invalid ffmpeg_params: %s", reason)
}

func InvalidOrder(reason string) *APIError {
	return newErr(CodeInvalidOrder, http.StatusBadRequest, "invalid order: %s", reason)
}

func NotFound(id string) *APIError {
	return newErr(CodeNotFound, http.StatusNotFound, "stream %q not found", id)
}

func ConcurrencyLimit(limit int) *APIError {
	return newErr(CodeConcurrencyLimit, http.StatusConflict, "starting this stream would exceed the limit of %d concurrently running streams", limit)
}

func GPUUnavailable() *APIError {
	return newErr(CodeGPUUnavailable, http.StatusServiceUnavailable, "hardware acceleration required but no GPU backend was detected")
}

func StreamNotRunning(id string) *APIError {
	return newErr(CodeStreamNotRunning, http.StatusServiceUnavailable, "stream %q is not running", id)
}

func RateLimited() *APIError {
	return newErr(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
}

func Internal(cause error) *APIError {
	e := newErr(CodeInternal, http.StatusInternalServerError, "internal error")
	e.cause = cause
	return e
}

// As extracts an *APIError from err, falling back to a generic Internal
// wrapper for anything the caller didn't already classify.
func As(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
