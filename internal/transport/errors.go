package transport

import (
	"errors"
	"fmt"

	"github.com/ent0n29/voicebutton/internal/reliability"
)

// ErrAuth reports a rejected or unusable credential. It is never retried.
var ErrAuth = errors.New("authentication failed")

// ErrClosed is returned by Send after the connection has gone away.
var ErrClosed = errors.New("connection closed")

// NetworkError is any non-auth failure to dial, read or write. Callers may
// retry with backoff.
type NetworkError struct {
	Op string
	// Status is the HTTP status of a refused upgrade, 0 otherwise.
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport %s failed", e.Op)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether redialing soon may succeed. Refused upgrades
// such as 404 or 400 point at a bad endpoint rather than a busy one.
func (e *NetworkError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// IsRetryable reports whether err is a transient failure worth redialing
// at the normal backoff.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuth) {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable()
	}
	return true
}

// IsAuth reports whether err is, or wraps, ErrAuth.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }
