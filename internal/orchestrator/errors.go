package orchestrator

import (
	"errors"
	"fmt"
)

// Fatal run outcomes. Everything else — rate limits, vanished slots, lost
// races, malformed fetches — is absorbed and drives a retry or fallback.
var (
	// ErrCancelled: the caller stopped the run.
	ErrCancelled = errors.New("orchestrator: run cancelled")
	// ErrExhausted: the maximum run duration elapsed with no confirmed
	// booking across all known centers.
	ErrExhausted = errors.New("orchestrator: run exhausted")
)

// AuthError is the fatal authentication failure: the session was rejected
// and the single re-authentication attempt did not produce a usable one.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("orchestrator: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
