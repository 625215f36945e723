package domain

import "errors"

var (
	// ErrCredentialNotFound signals that the user has no stored token and must re-run OAuth.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrTokenRefreshFailed is returned when the upstream rejects a refresh grant.
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrAPILimitExceeded is returned when the upstream rate limit was hit.
	ErrAPILimitExceeded = errors.New("upstream api limit exceeded")
	// ErrUpstreamUnauthorized is returned when the upstream rejects the access token.
	ErrUpstreamUnauthorized = errors.New("upstream rejected credentials")
	// ErrNetwork covers transport-level failures talking to the upstream.
	ErrNetwork = errors.New("upstream network error")
	// ErrPersistenceFailed is returned when a store write failed.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrConnectionAborted signals that the client went away or the run was cancelled.
	ErrConnectionAborted = errors.New("connection aborted")
	// ErrAuthenticationRequired is returned when a run has no authenticated user.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrCredentialNotFound, "credential_not_found"},
	{ErrTokenRefreshFailed, "token_refresh_failed"},
	{ErrAPILimitExceeded, "api_limit_exceeded"},
	{ErrUpstreamUnauthorized, "upstream_unauthorized"},
	{ErrAuthenticationRequired, "authentication_required"},
	{ErrConnectionAborted, "connection_aborted"},
	{ErrPersistenceFailed, "persistence_failed"},
	{ErrActivityNotFound, "activity_not_found"},
	{ErrNetwork, "network_error"},
}

// ErrorCode maps an error onto the stable code surfaced to clients.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal_error"
}
