package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError represents an error response from the generation provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsInvalidRequest reports whether the provider rejected the request
// parameters. These errors are never retried with the same payload.
func (e *APIError) IsInvalidRequest() bool {
	return e.StatusCode == http.StatusBadRequest
}

// IsAuth reports whether the credential was rejected.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsNotFound reports whether the job handle is no longer known to the
// provider, e.g. after a credential expired mid-poll. Fatal to the scene.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx)
// are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// IsAuthError reports whether err carries a credential rejection anywhere in
// its chain.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsAuth()
}

// IsNotFoundError reports whether err is a stale-handle rejection.
func IsNotFoundError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// IsInvalidRequestError reports whether err is a parameter rejection.
func IsInvalidRequestError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsInvalidRequest()
}
