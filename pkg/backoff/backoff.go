// Package backoff provides exponential retry delays and a retry loop.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy controls retry timing. Zero values use defaults.
type Policy struct {
	Initial  time.Duration // default: 100ms
	Max      time.Duration // default: 5s
	Attempts int           // total attempts including the first, default: 4
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Attempts <= 0 {
		p.Attempts = 4
	}
	return p
}

// Delay returns the wait before retry number attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// are used up or ctx is done. It returns the last error from fn, unwrapped
// from Permanent. onRetry, when non-nil, is called before each retry.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	p = p.withDefaults()

	var err error
	for attempt := range p.Attempts {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, err)
			}
			timer := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), err)
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
	}
	return err
}
