// Package poll drives the repeated availability queries: one independent
// worker per center, each on its own cadence, all stopping within one
// cycle of cancellation.
package poll

import "time"

// maxBackoffShift keeps the exponential backoff shift from overflowing.
const maxBackoffShift = 16

// Policy computes the delay before a center's next poll. It is a plain
// value so cadence behavior is testable without running a worker.
type Policy struct {
	// Base is the steady-state interval between polls.
	Base time.Duration
	// Ceiling caps the exponential backoff applied after consecutive
	// transient failures.
	Ceiling time.Duration
}

// DefaultPolicy matches the engine's stock cadence.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, Ceiling: 2 * time.Minute}
}

// NextDelay returns the wait before the next poll given the number of
// consecutive transient failures and the provider's Retry-After hint from
// the last response (zero when none). The hint is always respected, even
// beyond the backoff ceiling.
func (p Policy) NextDelay(failures int, rateLimitHint time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultPolicy().Base
	}
	ceiling := p.Ceiling
	if ceiling < base {
		ceiling = base
	}

	delay := base
	if failures > 0 {
		shift := failures
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay = base << shift
		if delay > ceiling || delay <= 0 {
			delay = ceiling
		}
	}

	if rateLimitHint > delay {
		return rateLimitHint
	}
	return delay
}
