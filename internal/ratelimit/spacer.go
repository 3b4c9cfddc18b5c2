package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Spacer keeps a minimum interval between calls to an external API.
// Callers reserve the next slot under the lock and sleep outside it.
type Spacer struct {
	interval time.Duration
	mu       sync.Mutex
	next     time.Time
	now      func() time.Time
}

// NewSpacer creates a spacer. A zero interval never waits.
func NewSpacer(interval time.Duration) *Spacer {
	return &Spacer{interval: interval, now: time.Now}
}

// Wait blocks until the caller's slot arrives or ctx ends
func (s *Spacer) Wait(ctx context.Context) error {
	if s == nil || s.interval <= 0 {
		return ctx.Err()
	}
	wait := s.reserve()
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Spacer) reserve() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	slot := s.next
	if slot.Before(now) {
		slot = now
	}
	s.next = slot.Add(s.interval)
	return slot.Sub(now)
}

// Interval returns the configured minimum spacing
func (s *Spacer) Interval() time.Duration {
	if s == nil {
		return 0
	}
	return s.interval
}
