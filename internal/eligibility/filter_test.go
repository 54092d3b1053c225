package eligibility

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvax/slotgun/internal/provider"
)

var filterWindow = provider.DateWindow{
	From: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2021, 5, 8, 0, 0, 0, 0, time.UTC),
}

func eligibleSlot() provider.Slot {
	return provider.Slot{
		Start:        time.Date(2021, 5, 3, 9, 30, 0, 0, time.UTC),
		Vaccine:      "Pfizer",
		BookingToken: "tok-1",
	}
}

func adultPatient() provider.Patient {
	return provider.Patient{
		ID:        "p1",
		BirthDate: time.Date(1985, 12, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestAcceptsEligibleSlot(t *testing.T) {
	f := NewFilter(Default(), filterWindow)
	assert.True(t, f.Accepts(eligibleSlot(), adultPatient()))
}

func TestAcceptsRejectsUnknownFields(t *testing.T) {
	f := NewFilter(Default(), filterWindow)
	patient := adultPatient()

	noStart := eligibleSlot()
	noStart.Start = time.Time{}
	assert.False(t, f.Accepts(noStart, patient), "unknown start must reject")

	noVaccine := eligibleSlot()
	noVaccine.Vaccine = ""
	assert.False(t, f.Accepts(noVaccine, patient), "unknown vaccine must reject")

	noToken := eligibleSlot()
	noToken.BookingToken = ""
	assert.False(t, f.Accepts(noToken, patient), "unbookable slot must reject")

	noBirth := patient
	noBirth.BirthDate = time.Time{}
	assert.False(t, f.Accepts(eligibleSlot(), noBirth), "age-bounded rule with unknown birthdate must reject")
}

func TestAcceptsWindowEdges(t *testing.T) {
	f := NewFilter(Default(), filterWindow)
	patient := adultPatient()

	onFrom := eligibleSlot()
	onFrom.Start = filterWindow.From
	assert.True(t, f.Accepts(onFrom, patient), "window start is inclusive")

	onTo := eligibleSlot()
	onTo.Start = filterWindow.To
	assert.False(t, f.Accepts(onTo, patient), "window end is exclusive")

	before := eligibleSlot()
	before.Start = filterWindow.From.Add(-time.Second)
	assert.False(t, f.Accepts(before, patient))
}

func TestAcceptsDoseAndAgeRules(t *testing.T) {
	f := NewFilter(Default(), filterWindow)

	done := adultPatient()
	done.DosesReceived = 2
	assert.False(t, f.Accepts(eligibleSlot(), done), "completed series must reject")

	partWay := adultPatient()
	partWay.DosesReceived = 1
	assert.True(t, f.Accepts(eligibleSlot(), partWay))

	child := adultPatient()
	child.BirthDate = time.Date(2012, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.False(t, f.Accepts(eligibleSlot(), child), "below min age must reject")

	moderna := eligibleSlot()
	moderna.Vaccine = "Moderna"
	teen := adultPatient()
	teen.BirthDate = time.Date(2005, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, f.Accepts(eligibleSlot(), teen), "16-year-old may take Pfizer")
	assert.False(t, f.Accepts(moderna, teen), "16-year-old may not take Moderna")

	unknownVaccine := eligibleSlot()
	unknownVaccine.Vaccine = "AstraZeneca"
	assert.False(t, f.Accepts(unknownVaccine, adultPatient()), "unconfigured vaccine must reject")
}

func TestAcceptsMinimumGap(t *testing.T) {
	rules, err := Parse(`[{"vaccine":"Pfizer","doses":2,"min_age":12,"min_gap_days":21}]`)
	require.NoError(t, err)
	f := NewFilter(rules, filterWindow)

	secondDose := adultPatient()
	secondDose.DosesReceived = 1

	tooSoon := secondDose
	tooSoon.LastDoseAt = time.Date(2021, 4, 20, 0, 0, 0, 0, time.UTC) // 13 days before the slot
	assert.False(t, f.Accepts(eligibleSlot(), tooSoon), "slot inside the gap must reject")

	spaced := secondDose
	spaced.LastDoseAt = time.Date(2021, 4, 12, 0, 0, 0, 0, time.UTC) // 21 days before the slot
	assert.True(t, f.Accepts(eligibleSlot(), spaced))

	unknownLastDose := secondDose // dosed, but the provider omitted the date
	assert.False(t, f.Accepts(eligibleSlot(), unknownLastDose), "gap rule with unknown last dose must reject")

	firstDose := adultPatient() // no doses yet, no gap to honor
	assert.True(t, f.Accepts(eligibleSlot(), firstDose))
}

// A huge configured gap must be enforced for partially-dosed patients, not
// silently dropped by the rule parser.
func TestAcceptsConfiguredGapNotIgnored(t *testing.T) {
	rules, err := Parse(`[{"vaccine":"Pfizer","doses":2,"min_age":12,"min_gap_days":1000}]`)
	require.NoError(t, err)
	f := NewFilter(rules, filterWindow)

	patient := adultPatient()
	patient.DosesReceived = 1
	patient.LastDoseAt = time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, f.Accepts(eligibleSlot(), patient))
}

// Accepts is a pure function: the same inputs always yield the same answer,
// and evaluating one slot never influences another.
func TestAcceptsIsDeterministic(t *testing.T) {
	f := NewFilter(Default(), filterWindow)
	rng := rand.New(rand.NewSource(1))
	vaccines := []string{"Pfizer", "Moderna", "Janssen", "AstraZeneca", ""}

	for i := 0; i < 200; i++ {
		slot := provider.Slot{
			Start:        filterWindow.From.Add(time.Duration(rng.Intn(10*24)) * time.Hour),
			Vaccine:      vaccines[rng.Intn(len(vaccines))],
			BookingToken: fmt.Sprintf("tok-%d", rng.Intn(3)),
		}
		patient := provider.Patient{
			ID:            "p1",
			BirthDate:     time.Date(1950+rng.Intn(70), time.Month(1+rng.Intn(12)), 1+rng.Intn(28), 0, 0, 0, 0, time.UTC),
			DosesReceived: rng.Intn(3),
		}

		first := f.Accepts(slot, patient)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, f.Accepts(slot, patient), "slot %+v patient %+v", slot, patient)
		}
	}
}
