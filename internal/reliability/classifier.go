package reliability

import (
	"strings"
	"time"
)

// CloseInvalidPayload is the websocket close code the generation service uses
// when it refuses the payload it was just sent.
const CloseInvalidPayload = 1007

var rejectionMarkers = []string{"unsafe prompt", "rejected"}

// IsRejectedClose reports whether an upstream close means the last payload was
// refused. Such payloads must never be resent.
func IsRejectedClose(code int, reason string) bool {
	if code == CloseInvalidPayload {
		return true
	}
	r := strings.ToLower(reason)
	for _, marker := range rejectionMarkers {
		if strings.Contains(r, marker) {
			return true
		}
	}
	return false
}

// CloseCause buckets an upstream close into a low-cardinality metrics label.
func CloseCause(code int, reason string) string {
	switch {
	case IsRejectedClose(code, reason):
		return "rejected"
	case code == 1000 || code == 1001:
		return "normal"
	case code == 1011 || code == 1013:
		return "server_error"
	default:
		return "transient"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
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
