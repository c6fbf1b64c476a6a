package platform

import (
	"errors"
	"fmt"
)

// AuthenticationError is returned when the platform session cannot be
// established. Nothing downstream of login can work without a session.
type AuthenticationError struct {
	// Op is "login" or "logout".
	Op string
	// StatusCode is the HTTP status, or 0 when the request never completed.
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform: %s failed with HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("platform: %s failed: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError reports a failed HTTP call to the platform.
//
//	var transportErr *TransportError
//	if errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound { ... }
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	// Body is the (bounded) response body of a non-2xx reply.
	Body string
	Err  error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("platform: %s %s returned HTTP %d: %s", e.Op, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("platform: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthenticationError reports whether err is, or wraps, an *AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
