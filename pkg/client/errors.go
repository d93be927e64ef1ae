package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failed request.
type ErrorKind string

const (
	// KindRateLimited represents 429 Too Many Requests responses.
	KindRateLimited ErrorKind = "rate_limited"

	// KindFetchFailed represents any other non-2xx response.
	KindFetchFailed ErrorKind = "fetch_failed"

	// KindNetworkUnavailable represents requests that got no response.
	KindNetworkUnavailable ErrorKind = "network_unavailable"

	// KindDecodeFailed represents 2xx responses whose body did not match
	// the expected shape.
	KindDecodeFailed ErrorKind = "decode_failed"
)

// Sentinel errors matching each kind with errors.Is.
var (
	ErrRateLimited        = errors.New("rate limited")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrDecodeFailed       = errors.New("decode failed")
)

// Common errors returned by the retry helper.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// FetchError is a classified request failure.
type FetchError struct {
	Kind       ErrorKind
	Resource   string
	StatusCode int
	Message    string

	// RetryAfter is the server-requested wait of a rate limited response
	// (0 when absent)
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Resource, e.sentinel())
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *FetchError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *FetchError) sentinel() error {
	switch e.Kind {
	case KindRateLimited:
		return ErrRateLimited
	case KindNetworkUnavailable:
		return ErrNetworkUnavailable
	case KindDecodeFailed:
		return ErrDecodeFailed
	default:
		return ErrFetchFailed
	}
}

// KindOf returns the kind of a FetchError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// RetryAfterOf returns the server-requested wait carried by err.
func RetryAfterOf(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// ShouldRetry reports whether repeating the request can succeed.
func ShouldRetry(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindRateLimited:
		return true
	case KindNetworkUnavailable:
		// Cancelled callers gain nothing from another attempt
		return !errors.Is(fe.Err, context.Canceled)
	case KindFetchFailed:
		// 4xx errors will fail again
		return fe.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}
