package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for provider response classification.
var (
	// ErrAuthRejected marks a request the provider refused for lack of a
	// valid session (401/403). Callers are expected to refresh once.
	ErrAuthRejected = errors.New("provider: authorization rejected")

	// ErrSlotTaken marks a hold attempt that lost the booking race: the
	// slot was taken or expired between discovery and claim.
	ErrSlotTaken = errors.New("provider: slot no longer available")

	// ErrNotFound marks a 404 for a resource the caller asked for by id.
	ErrNotFound = errors.New("provider: not found")
)

// RateLimitError is returned for 429 responses. RetryAfter carries the
// provider's Retry-After hint, zero when the header was absent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider: rate limited, retry after %s", e.RetryAfter)
	}
	return "provider: rate limited"
}

// UnavailableError covers transient center/provider failures: 5xx
// responses, network errors and request timeouts.
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: unavailable: %v", e.Err)
	}
	return fmt.Sprintf("provider: unavailable: status %d", e.Status)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedResponseError marks provider schema drift: a response that was
// delivered but could not be interpreted. Hard failure for that fetch only.
type MalformedResponseError struct {
	Op  string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("provider: malformed %s response: %v", e.Op, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limit classification and
// returns the provider's hint.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsUnavailable reports whether err is a transient availability failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsMalformed reports whether err is a malformed-response classification.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
