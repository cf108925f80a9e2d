package reliability

import (
	"net/http"
	"time"
)

const (
	// DefaultReconnectBase is the first delay before redialing a dropped session.
	DefaultReconnectBase = time.Second
	// DefaultReconnectCap bounds the delay between redial attempts.
	DefaultReconnectCap = 60 * time.Second
)

// IsAuthHTTPStatus reports whether an upgrade response means the credential
// was rejected. Such failures are fatal and never retried.
func IsAuthHTTPStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies upgrade responses worth redialing.
func IsRetryableHTTPStatus(code int) bool {
	if IsAuthHTTPStatus(code) {
		return false
	}
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return code == 0 || code >= 500
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// Attempt n waits base*2^n, so with a 1s base and 60s cap the sequence is
// 1s, 2s, 4s, ... 32s, 60s, 60s.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if cap <= 0 {
		cap = DefaultReconnectCap
	}
	if base >= cap {
		return cap
	}
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
