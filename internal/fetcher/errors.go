package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"
	KindTimeout     ErrorKind = "timeout"
	KindAuthFailure ErrorKind = "auth_failure"
	KindStatus      ErrorKind = "status"
	KindInvalidURL  ErrorKind = "invalid_url"
	KindTooLarge    ErrorKind = "too_large"
)

// FetchError is the only error type fetchers return.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Transient reports whether retrying the same request may succeed.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// IsTransient unwraps err looking for a transient FetchError.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

func newError(kind ErrorKind, rawURL string, cause error) *FetchError {
	return &FetchError{Kind: kind, URL: rawURL, Cause: cause}
}

// statusError maps a non-success status code to a FetchError.
func statusError(rawURL string, status int, cause error) *FetchError {
	kind := KindStatus
	if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusProxyAuthRequired {
		kind = KindAuthFailure
	}
	return &FetchError{Kind: kind, URL: rawURL, StatusCode: status, Cause: cause}
}

// transportError classifies a failed round trip as Timeout or Transport.
func transportError(rawURL string, err error) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, rawURL, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, rawURL, err)
	}
	return newError(KindTransport, rawURL, err)
}
