package executor

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/teampulse/pulse-ai/internal/keys"
)

// ErrorKind labels a vendor failure.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindAuthFailed    ErrorKind = "auth_failed"
	KindProviderError ErrorKind = "provider_error"
)

// StatusError is a non 2xx vendor answer. Body is kept for logs only and is
// never part of Error().
type StatusError struct {
	Provider   keys.Provider
	Code       int
	Kind       ErrorKind
	RetryAfter time.Duration
	Body       []byte
}

func (e *StatusError) Error() string {
	label := "request failed"
	switch e.Kind {
	case KindRateLimited:
		label = "rate limited"
	case KindAuthFailed:
		label = "authentication failed"
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, label, e.Code)
}

// StatusCode returns the HTTP status of the vendor answer.
func (e *StatusError) StatusCode() int { return e.Code }

// FailureKind maps the error onto key health handling.
func (e *StatusError) FailureKind() keys.FailureKind {
	switch e.Kind {
	case KindRateLimited:
		return keys.FailureRateLimit
	case KindAuthFailed:
		return keys.FailureAuth
	default:
		return keys.FailureGeneric
	}
}

// VendorMessage extracts the human readable message from the vendor body.
func (e *StatusError) VendorMessage() string {
	if len(e.Body) == 0 {
		return ""
	}
	if msg := gjson.GetBytes(e.Body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(e.Body, "message"); msg.Exists() {
		return msg.String()
	}
	return strings.TrimSpace(string(e.Body))
}

func newStatusError(provider keys.Provider, resp *http.Response, body []byte) *StatusError {
	e := &StatusError{Provider: provider, Code: resp.StatusCode, Body: body}
	e.Kind = classifyStatus(resp.StatusCode, body)
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header)
	}
	return e
}

func classifyStatus(code int, body []byte) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthFailed
	}
	typ := strings.ToLower(gjson.GetBytes(body, "error.type").String())
	switch typ {
	case "rate_limit_error":
		return KindRateLimited
	case "authentication_error", "permission_error":
		return KindAuthFailed
	}
	if code == http.StatusBadRequest || code >= 500 {
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "authentication") || strings.Contains(lower, "api key") {
			return KindAuthFailed
		}
	}
	return KindProviderError
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}
