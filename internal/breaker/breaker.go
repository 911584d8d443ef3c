// Package breaker implements the fault-isolation circuit breaker that halts
// admission after repeated operational failures.
package breaker

import "time"

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker opens after threshold failures and closes again once resetDelay has
// elapsed since opening. Reset is evaluated lazily against the supplied time,
// so there is no timer goroutine. Callers serialize access.
type Breaker struct {
	threshold  int
	resetDelay time.Duration

	state    State
	failures int
	openedAt time.Time
}

func New(threshold int, resetDelay time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetDelay <= 0 {
		resetDelay = time.Minute
	}
	return &Breaker{threshold: threshold, resetDelay: resetDelay}
}

// RecordFailure counts one failure and reports whether it opened the breaker.
// Failures recorded while open are counted but do not extend the open period.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.Refresh(now)
	b.failures++
	if b.state == StateClosed && b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
		return true
	}
	return false
}

// Refresh closes an open breaker whose reset delay has elapsed and reports
// whether it did.
func (b *Breaker) Refresh(now time.Time) bool {
	if b.state != StateOpen || now.Before(b.openedAt.Add(b.resetDelay)) {
		return false
	}
	b.state = StateClosed
	b.failures = 0
	b.openedAt = time.Time{}
	return true
}

// Allow refreshes the breaker and reports whether admission may proceed.
func (b *Breaker) Allow(now time.Time) bool {
	b.Refresh(now)
	return b.state == StateClosed
}

func (b *Breaker) State() State { return b.state }

func (b *Breaker) Failures() int { return b.failures }

func (b *Breaker) Threshold() int { return b.threshold }

// ReopensAt returns when an open breaker will close; zero when closed.
func (b *Breaker) ReopensAt() time.Time {
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.resetDelay)
}
