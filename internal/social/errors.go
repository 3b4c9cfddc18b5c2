package social

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies platform failures
type ErrorKind string

const (
	KindRateLimit  ErrorKind = "rate_limit"
	KindServer     ErrorKind = "server"
	KindAuth       ErrorKind = "auth"
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
)

// DefaultRateLimitWait applies when a 429 carries no usable reset header
const DefaultRateLimitWait = 15 * time.Minute

// APIError is a failed platform call
type APIError struct {
	Platform   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	// Wait is how long the platform asked us to back off; rate limits only
	Wait time.Duration
	Err  error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %s", e.Platform, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s error: %s", e.Platform, e.Kind, msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed when repeated
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	}
	return false
}

// RetryAfter returns the wait the platform asked for
func (e *APIError) RetryAfter() time.Duration {
	if e.Kind == KindRateLimit {
		return e.Wait
	}
	return 0
}

// IsRetryable is the retry classifier for platform calls
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// KindForStatus maps an HTTP status to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout:
		return KindNetwork
	case status >= 500:
		return KindServer
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	}
	return KindValidation
}

// rateLimitWait reads x-rate-limit-reset (unix seconds)
func rateLimitWait(header http.Header, now time.Time) time.Duration {
	reset, err := strconv.ParseInt(header.Get("x-rate-limit-reset"), 10, 64)
	if err != nil || reset <= 0 {
		return DefaultRateLimitWait
	}
	wait := time.Unix(reset, 0).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

func transportError(platform string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &APIError{Platform: platform, Kind: KindNetwork, Err: err}
}
