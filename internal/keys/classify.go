package keys

import (
	"errors"
	"net/http"
	"strings"
)

// FailureKind tells the manager how a failed call should affect key health.
type FailureKind int

const (
	FailureGeneric FailureKind = iota
	FailureRateLimit
	FailureAuth
)

func (k FailureKind) String() string {
	switch k {
	case FailureRateLimit:
		return "rate_limit"
	case FailureAuth:
		return "auth"
	default:
		return "generic"
	}
}

// ClassifyFailure inspects err for an explicit kind, then an HTTP status, then
// falls back to well known phrases in the message.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureGeneric
	}

	var kinder interface{ FailureKind() FailureKind }
	if errors.As(err, &kinder) {
		return kinder.FailureKind()
	}

	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		switch coder.StatusCode() {
		case http.StatusTooManyRequests:
			return FailureRateLimit
		case http.StatusUnauthorized:
			return FailureAuth
		}
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "429"} {
		if strings.Contains(msg, phrase) {
			return FailureRateLimit
		}
	}
	for _, phrase := range []string{"authentication", "api key", "api_key", "invalid x-api-key", "unauthorized", "401"} {
		if strings.Contains(msg, phrase) {
			return FailureAuth
		}
	}
	return FailureGeneric
}
