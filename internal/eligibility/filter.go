package eligibility

import (
	"github.com/openvax/slotgun/internal/provider"
)

// Filter accepts or rejects slots for one patient and date window.
// Accepts is pure and deterministic: no network, no clocks, no state.
type Filter struct {
	rules  *Rules
	window provider.DateWindow
}

// NewFilter builds a filter over the given rule set and requested window.
func NewFilter(rules *Rules, window provider.DateWindow) *Filter {
	if rules == nil {
		rules = Default()
	}
	return &Filter{rules: rules, window: window}
}

// Accepts reports whether slot is a bookable match for patient. Unknown
// required fields reject (fail-closed): a slot the provider under-described
// is not worth racing for.
func (f *Filter) Accepts(slot provider.Slot, patient provider.Patient) bool {
	if slot.Start.IsZero() || slot.Vaccine == "" || slot.BookingToken == "" {
		return false
	}
	if !f.window.Contains(slot.Start) {
		return false
	}

	rule, ok := f.rules.byVaccine(slot.Vaccine)
	if !ok {
		return false
	}
	if patient.DosesReceived >= rule.Doses {
		return false // series already complete
	}
	if rule.MinGapDays > 0 && patient.DosesReceived > 0 {
		if patient.LastDoseAt.IsZero() {
			return false
		}
		if slot.Start.Before(patient.LastDoseAt.AddDate(0, 0, rule.MinGapDays)) {
			return false
		}
	}
	if rule.MinAge > 0 || rule.MaxAge > 0 {
		if patient.BirthDate.IsZero() {
			return false
		}
		age := ageAt(patient.BirthDate, slot.Start)
		if rule.MinAge > 0 && age < rule.MinAge {
			return false
		}
		if rule.MaxAge > 0 && age > rule.MaxAge {
			return false
		}
	}
	return true
}
