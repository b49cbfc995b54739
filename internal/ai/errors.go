package ai

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/teampulse/pulse-ai/internal/keys"
	"github.com/teampulse/pulse-ai/internal/runtime/executor"
)

// ErrorKind is the caller facing error category.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "RATE_LIMITED"
	KindAuthFailed     ErrorKind = "AUTH_FAILED"
	KindKeysExhausted  ErrorKind = "KEYS_EXHAUSTED"
	KindProviderError  ErrorKind = "PROVIDER_ERROR"
	KindStorage        ErrorKind = "MEMORY_OR_STORAGE_ERROR"
	KindInvalidRequest ErrorKind = "INVALID_REQUEST"
)

// Error is what Generate returns on failure. Message is safe to show to end
// users; the cause is kept for logs only.
type Error struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	Retry      bool          `json:"retry"`
	RetryAfter time.Duration `json:"-"`
	Provider   keys.Provider `json:"provider,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// HTTPStatus maps the kind onto a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindKeysExhausted:
		return http.StatusServiceUnavailable
	case KindStorage:
		return http.StatusInternalServerError
	default:
		if errors.Is(e.cause, errDeadline) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
}

var errDeadline = errors.New("request deadline exceeded")

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// keyError translates a KeyManager failure.
func keyError(provider keys.Provider, err error, cooldown time.Duration) *Error {
	if errors.Is(err, keys.ErrNoCredentials) {
		return &Error{
			Kind:     KindKeysExhausted,
			Message:  fmt.Sprintf("no %s keys configured", provider),
			Provider: provider,
			cause:    err,
		}
	}
	return &Error{
		Kind:       KindKeysExhausted,
		Message:    fmt.Sprintf("all %s keys unavailable", provider),
		Retry:      true,
		RetryAfter: cooldown,
		Provider:   provider,
		cause:      err,
	}
}

// exhausted is returned after the rotation retry failed again.
func exhausted(provider keys.Provider, last error, cooldown time.Duration) *Error {
	e := keyError(provider, fmt.Errorf("%w: %w", keys.ErrKeysExhausted, last), cooldown)
	var se *executor.StatusError
	if errors.As(last, &se) && se.RetryAfter > e.RetryAfter {
		e.RetryAfter = se.RetryAfter
	}
	return e
}

// authDisabled is returned when every key of provider was rejected by the
// vendor. Retrying does not help until an operator replaces the keys.
func authDisabled(provider keys.Provider, cause error) *Error {
	return &Error{
		Kind:     KindAuthFailed,
		Message:  fmt.Sprintf("all %s keys were rejected", provider),
		Provider: provider,
		cause:    cause,
	}
}

// keyFailure reports a key failure that could not be rotated away, such as
// one hit after part of the reply was streamed.
func keyFailure(provider keys.Provider, kind keys.FailureKind, err error, cooldown time.Duration) *Error {
	if kind == keys.FailureAuth {
		return &Error{
			Kind:     KindAuthFailed,
			Message:  fmt.Sprintf("%s rejected the key", provider),
			Provider: provider,
			cause:    err,
		}
	}
	e := &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("%s rate limit reached", provider),
		Retry:      true,
		RetryAfter: cooldown,
		Provider:   provider,
		cause:      err,
	}
	var se *executor.StatusError
	if errors.As(err, &se) && se.RetryAfter > e.RetryAfter {
		e.RetryAfter = se.RetryAfter
	}
	return e
}

// providerError wraps a vendor failure that is not a key problem. The vendor
// body never reaches Message.
func providerError(provider keys.Provider, err error) *Error {
	e := &Error{
		Kind:     KindProviderError,
		Message:  fmt.Sprintf("%s request failed", provider),
		Retry:    true,
		Provider: provider,
		cause:    err,
	}
	var se *executor.StatusError
	if errors.As(err, &se) {
		e.Message = fmt.Sprintf("%s request failed with status %d", provider, se.Code)
		e.Retry = se.Code >= 500
	}
	return e
}

func deadlineError(provider keys.Provider, err error) *Error {
	return &Error{
		Kind:     KindProviderError,
		Message:  fmt.Sprintf("%s request timed out", provider),
		Retry:    true,
		Provider: provider,
		cause:    fmt.Errorf("%w: %w", errDeadline, err),
	}
}

func cancelledError(provider keys.Provider, err error) *Error {
	return &Error{
		Kind:     KindProviderError,
		Message:  fmt.Sprintf("%s request cancelled", provider),
		Provider: provider,
		cause:    err,
	}
}

// AsError converts any error returned by Generate into an *Error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindProviderError, Message: "request failed", Retry: true, cause: err}
}
