package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrNotConfigured is returned when a provider has no credentials
var ErrNotConfigured = errors.New("ai provider not configured")

// ErrEmptyCompletion is returned when the model answered with no text
var ErrEmptyCompletion = errors.New("empty completion")

// Request is a single completion call
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider is a large language model backend
type Provider interface {
	Name() string
	Model() string
	Configured() bool
	Complete(ctx context.Context, req Request) (string, error)
}

// ErrorKind classifies upstream failures
type ErrorKind string

const (
	KindRateLimit  ErrorKind = "rate_limit"
	KindServer     ErrorKind = "server"
	KindAuth       ErrorKind = "auth"
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindUnknown    ErrorKind = "unknown"
)

// ProviderError is the typed failure every provider returns
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	}
	return false
}

// IsRetryable reports whether err is a transient provider failure
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// KindForStatus maps an HTTP status code onto an error kind
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusRequestTimeout:
		return KindNetwork
	case code >= 500:
		return KindServer
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 400:
		return KindValidation
	}
	return KindUnknown
}

// transportError wraps failures that never produced an HTTP status
func transportError(provider string, err error) *ProviderError {
	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		kind = KindNetwork
	case strings.Contains(strings.ToLower(err.Error()), "connection reset"),
		strings.Contains(strings.ToLower(err.Error()), "eof"):
		kind = KindNetwork
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}
