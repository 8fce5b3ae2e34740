package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var (
	// ErrDuplicate rejects a request whose key is already in flight.
	ErrDuplicate = errors.New("httpclient: request already in flight")

	// ErrBanned rejects a request whose key failed repeatedly.
	ErrBanned = errors.New("httpclient: request temporarily banned")

	// ErrStopped rejects every request after the token could not be renewed.
	ErrStopped = errors.New("httpclient: requests stopped")

	// ErrTokenRefresh wraps a failed token renewal.
	ErrTokenRefresh = errors.New("httpclient: token refresh failed")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpclient: %s %s: status %d", e.Method, e.URL, e.Status)
}

// IsRetryable reports whether the same call may succeed later without the
// caller changing anything. A duplicate clears once the request holding the
// key finishes; 429, 5xx and transport failures are transient. Bans, a
// stopped client and a cancelled context are final for this attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDuplicate):
		return true
	case errors.Is(err, ErrBanned), errors.Is(err, ErrStopped), errors.Is(err, ErrTokenRefresh):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
}

// StatusOf extracts the HTTP status from err, or 0.
func StatusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}
