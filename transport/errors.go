package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a terminal error for logging and presentation.
type Kind int

const (
	KindNone Kind = iota
	// KindExpectedUnauthenticated is a 401 while no session exists. It is not an error
	// from the user's point of view and is neither logged nor observed.
	KindExpectedUnauthenticated
	// KindRenewalFailure means the credentials could not be renewed and the
	// session was discarded.
	KindRenewalFailure
	// KindTransient covers network and non-401 server failures. The session is left alone.
	KindTransient
	// KindConfiguration is an unsafe or invalid setting detected at use.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindExpectedUnauthenticated:
		return "expected-unauthenticated"
	case KindRenewalFailure:
		return "renewal-failure"
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrNotAuthenticated is returned when a call needs credentials and none are held.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSessionExpired is returned when a call is rejected again after one renewal.
	ErrSessionExpired = errors.New("session expired")
	// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid.
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")
	// ErrRenewalFailed wraps any failure of the renewal step of a call.
	ErrRenewalFailed = errors.New("credential renewal failed")
	// ErrRenewalSuperseded is returned when the session changed while a renewal was in
	// flight, so its result was discarded.
	ErrRenewalSuperseded = errors.New("session changed during renewal")
	// ErrUnsafeRedirect is returned for redirect targets that are not internal paths.
	ErrUnsafeRedirect = errors.New("unsafe redirect target")
)

// StatusError is a response with a non-success status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := Lookup(e.Body, "error_description", "message", "error").String()
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsafeRedirect):
		return KindConfiguration
	case errors.Is(err, ErrNotAuthenticated):
		return KindExpectedUnauthenticated
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrRefreshTokenExpired),
		errors.Is(err, ErrRenewalFailed),
		errors.Is(err, ErrRenewalSuperseded):
		return KindRenewalFailure
	default:
		return KindTransient
	}
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// shouldObserve reports whether err is worth showing to the user.
func shouldObserve(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) != KindExpectedUnauthenticated
}
