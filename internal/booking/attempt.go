// Package booking turns one discovered slot into a confirmed appointment
// or a clean failure, driving the provider's hold/assign/confirm protocol
// and compensating when it breaks partway through.
package booking

import (
	"github.com/openvax/slotgun/internal/provider"
)

// Outcome is the terminal state of one booking attempt.
type Outcome string

const (
	// OutcomeConfirmed: the appointment is booked; terminal for the run.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeLost: the optimistic race was lost to another client. An
	// expected, quiet outcome that sends the engine back to the queue.
	OutcomeLost Outcome = "lost"
	// OutcomeError: the attempt failed for a reason other than the race;
	// the slot is discarded and the next one tried.
	OutcomeError Outcome = "error"
)

// Loss/error reasons carried on attempts.
const (
	ReasonSlotTaken          = "slot no longer available"
	ReasonNoSecondShot       = "no second-shot availability"
	ReasonConfirmationFailed = "confirmation failed"
)

// Attempt is the transient record of one claim/confirm exchange. It lives
// only until the orchestrator has consumed its outcome.
type Attempt struct {
	ID      string
	Slot    provider.Slot
	Patient provider.Patient

	Outcome     Outcome
	Reason      string
	Appointment *provider.Appointment
	Err         error
}
