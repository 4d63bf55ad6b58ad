// Package retry implements the exponential backoff policy shared by the
// worker's generator calls and the upload confirm client.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff with proportional jitter.
// MaxAttempts counts every call including the first one.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds a random 0..Jitter fraction of the computed delay.
	Jitter    float64
	Retryable func(error) bool

	random func() float64
}

// DefaultPolicy matches the worker defaults: three attempts, 2s base delay
// doubling up to 30s with 0-25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.25,
	}
}

// WithRandom returns a copy of p using fn as the jitter source.
func (p Policy) WithRandom(fn func() float64) Policy {
	p.random = fn
	return p
}

// ExhaustedError reports that every allowed attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Backoff returns the delay before retry number n (0 for the first retry).
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(n))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter > 0 {
		rnd := p.random
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += rnd() * p.Jitter * delay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt is allowed after attempts
// calls, the last of which failed with err.
func (p Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil || attempts >= p.attempts() {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. attempt starts at 1.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, last) {
			if attempt >= p.attempts() && attempt > 1 {
				return &ExhaustedError{Attempts: attempt, Last: last}
			}
			return last
		}
		if err := Sleep(ctx, p.Backoff(attempt-1)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}
