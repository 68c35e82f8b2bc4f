// Package circuitbreaker stops calling a failing endpoint for a while.
//
// States:
//   - Closed: calls allowed
//   - Open: too many consecutive failures, calls rejected until the cooldown ends
//   - HalfOpen: one probe call allowed; its result closes or reopens the breaker
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int              // consecutive failures before opening (default: 5)
	Cooldown  time.Duration    // time spent open before a probe (default: 30s)
	Now       func() time.Time // default: time.Now
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker tracks consecutive failures for one endpoint.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a call may go through. After the cooldown exactly one
// caller is let through as a probe until its result is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
	b.probing = false
}

// RecordFailure counts a failure. A failed probe reopens the breaker at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.cfg.Now()
	}
	b.probing = false
}

// Do runs fn if the breaker allows it and records the result.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
