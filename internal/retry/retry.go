// Package retry runs operations with bounded exponential backoff. It is shared
// by the content generator and the publisher.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop. The delay before retry n (0-based) is
// BaseDelay * 2^n.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxElapsed caps the total time spent, waits included
	MaxElapsed time.Duration
}

// DefaultPolicy is three attempts starting at one second
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
	MaxElapsed:  time.Hour,
}

// Classifier decides whether an error is worth another attempt
type Classifier func(err error) bool

// WaitHinter is implemented by errors that know when the next attempt may run,
// for example a rate limit with a reset time.
type WaitHinter interface {
	RetryAfter() time.Duration
}

// Notify is called before each wait with the failed attempt number (1-based)
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The returned error is always the last error produced by op,
// or the context error when ctx ends first.
func Do[T any](ctx context.Context, policy Policy, retryable Classifier, notify Notify, op func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	var (
		lastErr error
		attempt int
	)
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || (retryable != nil && !retryable(err)) {
			return res, backoff.Permanent(err)
		}
		var hinter WaitHinter
		if errors.As(err, &hinter) {
			if wait := hinter.RetryAfter(); wait > 0 {
				return res, &backoff.RetryAfterError{Duration: wait}
			}
		}
		return res, err
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         policy.MaxDelay,
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, lastErr, wait)
		}))
	}

	res, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil && !errors.Is(lastErr, ctx.Err()) {
		var zero T
		return zero, ctx.Err()
	}
	// exhausted tries surface the wrapper (permanent or wait hint) rather than op's error
	if lastErr != nil {
		return res, lastErr
	}
	return res, err
}

// Delay returns the wait before retry n (0-based) under the policy
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = DefaultPolicy.MaxElapsed
	}
	return p
}
