package strava

import (
	"errors"
	"fmt"
	"net/http"

	"example.com/stravasync/internal/domain"
)

// APIError describes a non-2xx upstream response.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("strava %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Unwrap maps the response onto the pipeline error taxonomy.
func (e *APIError) Unwrap() error {
	if e.Operation == opRefresh {
		return domain.ErrTokenRefreshFailed
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return domain.ErrAPILimitExceeded
	case http.StatusNotFound:
		return domain.ErrActivityNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUpstreamUnauthorized
	default:
		return domain.ErrNetwork
	}
}

// countsAgainstBreaker reports whether err says something about upstream health.
// Client errors belong to one caller's request and never trip the shared breaker.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return errors.Is(err, domain.ErrNetwork)
}
