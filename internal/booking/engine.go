package booking

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openvax/slotgun/internal/provider"
	"github.com/openvax/slotgun/pkg/logging"
)

// ProviderAPI is the slice of the provider client the engine drives.
type ProviderAPI interface {
	FindSecondShot(ctx context.Context, sess *provider.Session, slot provider.Slot) (time.Time, error)
	HoldSlot(ctx context.Context, sess *provider.Session, slot provider.Slot, secondStart time.Time) (string, error)
	AssignPatient(ctx context.Context, sess *provider.Session, appointmentID string, patient provider.Patient) ([]provider.CustomField, error)
	ConfirmAppointment(ctx context.Context, sess *provider.Session, appointmentID string, patient provider.Patient, answers map[string]string) (*provider.Appointment, error)
	ReleaseAppointment(ctx context.Context, sess *provider.Session, appointmentID string) error
}

// SessionSource hands out the shared session and performs the serialized
// refresh after a rejection.
type SessionSource interface {
	Current() *provider.Session
	Refresh(ctx context.Context, stale *provider.Session) (*provider.Session, error)
}

// Engine executes booking attempts. The orchestrator serializes calls to
// Book; the in-flight counter verifies that invariant at runtime.
type Engine struct {
	api      ProviderAPI
	sessions SessionSource
	answers  map[string]string
	logger   *logging.Logger

	inFlight atomic.Int64
}

// NewEngine builds a booking engine.
func NewEngine(api ProviderAPI, sessions SessionSource, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		api:      api,
		sessions: sessions,
		logger:   logger,
	}
}

// WithCustomFieldAnswers supplies answers for provider confirmation form
// fields, keyed by field id.
func (e *Engine) WithCustomFieldAnswers(answers map[string]string) *Engine {
	e.answers = answers
	return e
}

// InFlight reports how many attempts are currently claiming. Anything
// above one is a serialization bug upstream.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Book runs the state machine Discovered → Claiming → terminal for one
// slot and patient. It never panics the run: every failure mode lands in
// the attempt's outcome.
func (e *Engine) Book(ctx context.Context, slot provider.Slot, patient provider.Patient) Attempt {
	att := Attempt{
		ID:      uuid.NewString(),
		Slot:    slot,
		Patient: patient,
	}

	if n := e.inFlight.Add(1); n > 1 {
		e.logger.Error("booking attempts overlap", "in_flight", n, "attempt_id", att.ID)
	}
	defer e.inFlight.Add(-1)

	e.logger.Info("claiming slot",
		"attempt_id", att.ID,
		"center", slot.Center.Name,
		"start", slot.Start,
		"vaccine", slot.Vaccine,
		"capacity", slot.Capacity,
	)

	// Multi-dose series need a paired second appointment; without one the
	// first shot is not worth claiming.
	var secondStart time.Time
	if slot.RequiresSecondShot() {
		var err error
		secondStart, err = e.findSecondShot(ctx, slot)
		if err != nil {
			return e.fail(att, err)
		}
		if secondStart.IsZero() {
			att.Outcome = OutcomeLost
			att.Reason = ReasonNoSecondShot
			e.logger.Info("slot skipped", "attempt_id", att.ID, "reason", att.Reason)
			return att
		}
	}

	appointmentID, err := e.holdSlot(ctx, slot, secondStart)
	if errors.Is(err, provider.ErrSlotTaken) {
		// Lost the race. Expected; not an error to surface loudly.
		att.Outcome = OutcomeLost
		att.Reason = ReasonSlotTaken
		e.logger.Info("slot lost", "attempt_id", att.ID, "center", slot.Center.Name)
		return att
	}
	if err != nil {
		return e.fail(att, err)
	}

	appointment, err := e.finalize(ctx, appointmentID, patient)
	if err != nil {
		// Hold succeeded but confirmation did not: compensate once,
		// best-effort, then report the attempt as failed.
		e.release(ctx, appointmentID)
		att.Outcome = OutcomeError
		att.Reason = ReasonConfirmationFailed
		att.Err = err
		e.logger.Warn("confirmation failed", "attempt_id", att.ID, "appointment_id", appointmentID, "error", err)
		return att
	}

	att.Outcome = OutcomeConfirmed
	att.Appointment = appointment
	e.logger.Info("appointment confirmed",
		"attempt_id", att.ID,
		"appointment_id", appointment.ID,
		"reference", appointment.Reference,
	)
	return att
}

func (e *Engine) fail(att Attempt, err error) Attempt {
	att.Outcome = OutcomeError
	att.Err = err
	e.logger.Warn("booking attempt failed", "attempt_id", att.ID, "error", err)
	return att
}

// finalize assigns the patient and confirms, answering required custom
// fields from configured answers with the field placeholder as fallback.
func (e *Engine) finalize(ctx context.Context, appointmentID string, patient provider.Patient) (*provider.Appointment, error) {
	var fields []provider.CustomField
	err := e.withSession(ctx, func(sess *provider.Session) error {
		var aerr error
		fields, aerr = e.api.AssignPatient(ctx, sess, appointmentID, patient)
		return aerr
	})
	if err != nil {
		return nil, fmt.Errorf("assign patient: %w", err)
	}

	answers := map[string]string{}
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if v, ok := e.answers[f.ID]; ok {
			answers[f.ID] = v
			continue
		}
		if f.Placeholder != "" {
			answers[f.ID] = f.Placeholder
			continue
		}
		return nil, fmt.Errorf("unanswerable required field %q (%s)", f.ID, f.Label)
	}

	var appointment *provider.Appointment
	err = e.withSession(ctx, func(sess *provider.Session) error {
		var cerr error
		appointment, cerr = e.api.ConfirmAppointment(ctx, sess, appointmentID, patient, answers)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	if !appointment.Confirmed {
		return nil, fmt.Errorf("provider reports appointment unconfirmed")
	}
	return appointment, nil
}

func (e *Engine) findSecondShot(ctx context.Context, slot provider.Slot) (time.Time, error) {
	var second time.Time
	err := e.withSession(ctx, func(sess *provider.Session) error {
		var ferr error
		second, ferr = e.api.FindSecondShot(ctx, sess, slot)
		return ferr
	})
	return second, err
}

func (e *Engine) holdSlot(ctx context.Context, slot provider.Slot, secondStart time.Time) (string, error) {
	var id string
	err := e.withSession(ctx, func(sess *provider.Session) error {
		var herr error
		id, herr = e.api.HoldSlot(ctx, sess, slot, secondStart)
		return herr
	})
	return id, err
}

// release is the compensating cancel; its own failure is logged, never
// retried.
func (e *Engine) release(ctx context.Context, appointmentID string) {
	err := e.withSession(ctx, func(sess *provider.Session) error {
		return e.api.ReleaseAppointment(ctx, sess, appointmentID)
	})
	if err != nil {
		e.logger.Warn("compensating release failed", "appointment_id", appointmentID, "error", err)
	}
}

// withSession runs fn with the current session, refreshing once on an
// authorization rejection. A failed refresh is returned as-is so callers
// can recognize the fatal auth condition.
func (e *Engine) withSession(ctx context.Context, fn func(*provider.Session) error) error {
	sess := e.sessions.Current()
	err := fn(sess)
	if !errors.Is(err, provider.ErrAuthRejected) {
		return err
	}
	fresh, rerr := e.sessions.Refresh(ctx, sess)
	if rerr != nil {
		return rerr
	}
	return fn(fresh)
}
