package membership

import (
	"fmt"
	"time"
)

// Error codes surfaced on task records. They are stable identifiers used for
// support correlation, not display strings.
const (
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeUpstream5xx         = "UPSTREAM_5XX"
	CodeUpstream4xx         = "UPSTREAM_4XX"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// Error is the typed failure reported by the membership platform. RetryAfter
// carries the Retry-After hint on 429 responses, RequestID the upstream
// request id when the platform returned one.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("upstream %d [%s] %s (request_id=%s)", e.StatusCode, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("upstream %d [%s] %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the client retry loop may attempt the call again.
func (e *Error) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
