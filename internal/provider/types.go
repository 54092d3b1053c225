package provider

import "time"

// Center is one bookable vaccination center, immutable once resolved.
// Agenda/practice/motive ids come from the center's booking profile and are
// needed verbatim for availability queries and holds.
type Center struct {
	ID         string
	Name       string
	City       string
	ProfileID  string
	PracticeID string
	AgendaIDs  []string
	MotiveIDs  []string

	// VaccineByMotive maps a visit motive id to the vaccine name the
	// motive matcher recognized in it.
	VaccineByMotive map[string]string
}

// DateWindow is the requested appointment range, inclusive at From and
// exclusive at To.
type DateWindow struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w DateWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Slot is a single bookable appointment offer. Slots are ephemeral: any
// slot may already be gone by the time it is acted on. Fields the provider
// omitted stay at their zero value (unknown), never defaulted.
type Slot struct {
	Center       *Center
	Start        time.Time
	Vaccine      string
	MotiveID     string
	AgendaID     string
	BookingToken string

	// Capacity is the provider-reported remaining capacity hint,
	// zero when unknown.
	Capacity int

	// SecondShotDue is the provider's suggested second-dose date for
	// multi-dose vaccines, zero for single-dose slots.
	SecondShotDue time.Time
}

// RequiresSecondShot reports whether the slot belongs to a multi-dose
// series and needs a paired second appointment.
func (s Slot) RequiresSecondShot() bool {
	return !s.SecondShotDue.IsZero()
}

// Patient is one bookable identity from the account's roster, read-only
// for the engine.
type Patient struct {
	ID            string
	FirstName     string
	LastName      string
	BirthDate     time.Time // zero when the provider omitted it
	LastDoseAt    time.Time // zero when undosed or the provider omitted it
	DosesReceived int
}

// DisplayName returns the patient's full name for logs and prompts.
func (p Patient) DisplayName() string {
	return p.FirstName + " " + p.LastName
}

// Appointment is a confirmed (or pending) booking as reported by the
// provider's confirmation call.
type Appointment struct {
	ID        string
	Reference string
	Confirmed bool
}

// CustomField is a provider-defined form field the confirmation call must
// answer.
type CustomField struct {
	ID          string
	Label       string
	Placeholder string
	Required    bool
}
