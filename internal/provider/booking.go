package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type appointmentBody struct {
	ProfileID      string `json:"profile_id"`
	SourceAction   string `json:"source_action"`
	StartDate      string `json:"start_date"`
	VisitMotiveIDs string `json:"visit_motive_ids"`
	NewPatient     bool   `json:"new_patient"`
}

type holdRequest struct {
	AgendaIDs    string          `json:"agenda_ids"`
	Appointment  appointmentBody `json:"appointment"`
	PracticeIDs  []string        `json:"practice_ids"`
	BookingToken string          `json:"booking_token,omitempty"`
	SecondSlot   string          `json:"second_slot,omitempty"`
}

type holdResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// HoldSlot issues the provider's reserve call for slot, optionally pairing
// a second-dose start. A provider-side "already taken" answer maps to
// ErrSlotTaken: the expected outcome of losing the race, not an exception.
func (c *Client) HoldSlot(ctx context.Context, sess *Session, slot Slot, secondStart time.Time) (string, error) {
	ctx, span := c.tracer.Start(ctx, "provider.hold_slot")
	defer span.End()
	span.SetAttributes(
		attribute.String("slotgun.center_id", slot.Center.ID),
		attribute.String("slotgun.start", slot.Start.Format(time.RFC3339)),
	)

	req := holdRequest{
		AgendaIDs: strings.Join(slot.Center.AgendaIDs, "-"),
		Appointment: appointmentBody{
			ProfileID:      slot.Center.ProfileID,
			SourceAction:   "profile",
			StartDate:      slot.Start.Format(time.RFC3339),
			VisitMotiveIDs: slot.MotiveID,
			NewPatient:     true,
		},
		PracticeIDs:  []string{slot.Center.PracticeID},
		BookingToken: slot.BookingToken,
	}
	if !secondStart.IsZero() {
		req.SecondSlot = secondStart.Format(time.RFC3339)
	}

	var out holdResponse
	if err := c.do(ctx, sess, http.MethodPost, "/appointments.json", nil, req, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrSlotTaken, out.Error)
	}
	if out.ID == "" {
		return "", &MalformedResponseError{Op: "/appointments.json", Err: errEmptyResponse}
	}
	return out.ID, nil
}

// FindSecondShot looks for a second-dose slot matching the held first
// slot, preferring the latest offer of the first available day (farther
// out means more margin to rebook). A zero time with nil error means the
// provider had nothing.
func (c *Client) FindSecondShot(ctx context.Context, sess *Session, slot Slot) (time.Time, error) {
	query := c.slotQuery(slot.Center, slot.SecondShotDue)
	query.Set("first_slot", slot.Start.Format(time.RFC3339))

	var out availabilitiesResponse
	if err := c.do(ctx, sess, http.MethodGet, "/second_shot_availabilities.json", query, nil, &out); err != nil {
		return time.Time{}, err
	}

	for _, day := range out.Availabilities {
		if len(day.Slots) == 0 {
			continue
		}
		last := day.Slots[len(day.Slots)-1]
		start, err := time.Parse(time.RFC3339, last.StartDate)
		if err != nil {
			return time.Time{}, &MalformedResponseError{Op: "/second_shot_availabilities.json", Err: err}
		}
		return start, nil
	}
	return time.Time{}, nil
}

type editResponse struct {
	Appointment struct {
		CustomFields []struct {
			ID          string `json:"id"`
			Label       string `json:"label"`
			Placeholder string `json:"placeholder"`
			Required    bool   `json:"required"`
		} `json:"custom_fields"`
	} `json:"appointment"`
}

// AssignPatient attaches the patient identity to a held appointment and
// returns the custom fields the confirmation call must answer.
func (c *Client) AssignPatient(ctx context.Context, sess *Session, appointmentID string, patient Patient) ([]CustomField, error) {
	ctx, span := c.tracer.Start(ctx, "provider.assign_patient")
	defer span.End()
	span.SetAttributes(attribute.String("slotgun.appointment_id", appointmentID))

	query := url.Values{"master_patient_id": {patient.ID}}
	var out editResponse
	if err := c.do(ctx, sess, http.MethodGet, "/appointments/"+appointmentID+"/edit.json", query, nil, &out); err != nil {
		return nil, err
	}

	fields := make([]CustomField, 0, len(out.Appointment.CustomFields))
	for _, f := range out.Appointment.CustomFields {
		fields = append(fields, CustomField{
			ID:          f.ID,
			Label:       f.Label,
			Placeholder: f.Placeholder,
			Required:    f.Required,
		})
	}
	return fields, nil
}

type confirmRequest struct {
	Appointment struct {
		CustomFieldsValues map[string]string `json:"custom_fields_values"`
		NewPatient         bool              `json:"new_patient"`
	} `json:"appointment"`
	MasterPatientID string `json:"master_patient_id"`
}

type confirmResponse struct {
	Confirmed bool   `json:"confirmed"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

// ConfirmAppointment finalizes a held, patient-assigned appointment.
func (c *Client) ConfirmAppointment(ctx context.Context, sess *Session, appointmentID string, patient Patient, answers map[string]string) (*Appointment, error) {
	ctx, span := c.tracer.Start(ctx, "provider.confirm_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("slotgun.appointment_id", appointmentID))

	var req confirmRequest
	req.Appointment.CustomFieldsValues = answers
	req.Appointment.NewPatient = true
	req.MasterPatientID = patient.ID

	var out confirmResponse
	if err := c.do(ctx, sess, http.MethodPut, "/appointments/"+appointmentID+".json", nil, req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("provider: confirm rejected: %s", out.Error)
	}

	return &Appointment{
		ID:        appointmentID,
		Reference: out.Reference,
		Confirmed: out.Confirmed,
	}, nil
}

// ReleaseAppointment is the compensating cancel for a held appointment
// whose confirmation failed. Best-effort by contract.
func (c *Client) ReleaseAppointment(ctx context.Context, sess *Session, appointmentID string) error {
	ctx, span := c.tracer.Start(ctx, "provider.release_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("slotgun.appointment_id", appointmentID))

	return c.do(ctx, sess, http.MethodDelete, "/appointments/"+appointmentID+".json", nil, nil, nil)
}
