// Package backoff implements the exponential backoff policy
// SPEC_FULL.md §4.4 requires of the Test Worker (and, by the same
// retry discipline, the Build Worker): start at 15s, double on each
// consecutive retryable failure, cap at 10 minutes, reset on success.
package backoff

import "time"

const (
	// DefaultInitial is the starting delay after the first retryable failure.
	DefaultInitial = 15 * time.Second
	// DefaultMax is the cap no delay may exceed.
	DefaultMax = 10 * time.Minute
	// DefaultMaxRetries bounds a single test's per-work-item retry count.
	DefaultMaxRetries = 30
)

// Policy tracks the current delay for one retryable job.
type Policy struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	retries int
}

// New constructs a Policy with the spec's default bounds.
func New() *Policy {
	return &Policy{initial: DefaultInitial, max: DefaultMax}
}

// NewWithBounds allows a caller to override the defaults (used by
// tests that don't want to wait real minutes).
func NewWithBounds(initial, max time.Duration) *Policy {
	return &Policy{initial: initial, max: max}
}

// Next returns the delay to sleep before the next retry and records
// the attempt; each call doubles the delay up to the cap.
func (p *Policy) Next() time.Duration {
	p.retries++
	if p.current == 0 {
		p.current = p.initial
	} else {
		p.current *= 2
		if p.current > p.max {
			p.current = p.max
		}
	}
	return p.current
}

// Reset clears accumulated delay and retry count after a success.
func (p *Policy) Reset() {
	p.current = 0
	p.retries = 0
}

// Retries reports how many retries have been recorded since the last Reset.
func (p *Policy) Retries() int { return p.retries }

// Exhausted reports whether the bounded retry count has been reached.
func (p *Policy) Exhausted() bool { return p.retries >= DefaultMaxRetries }
