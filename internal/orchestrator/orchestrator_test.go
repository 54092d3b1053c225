package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openvax/slotgun/internal/booking"
	"github.com/openvax/slotgun/internal/eligibility"
	"github.com/openvax/slotgun/internal/poll"
	"github.com/openvax/slotgun/internal/provider"
)

var testWindow = provider.DateWindow{
	From: time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC),
	To:   time.Date(2021, 5, 8, 0, 0, 0, 0, time.UTC),
}

func testPatient() provider.Patient {
	return provider.Patient{
		ID:        "p1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		BirthDate: time.Date(1985, 12, 10, 0, 0, 0, 0, time.UTC),
	}
}

func testCenter(id string) provider.Center {
	return provider.Center{ID: id, Name: "Impfzentrum " + id, ProfileID: "prof-" + id, PracticeID: "pr-" + id}
}

func eligibleSlot(center provider.Center, token string) provider.Slot {
	return provider.Slot{
		Center:       &center,
		Start:        time.Date(2021, 5, 3, 9, 30, 0, 0, time.UTC),
		Vaccine:      "Pfizer",
		BookingToken: token,
	}
}

// fakeClient scripts center resolution and per-center slot fetches.
type fakeClient struct {
	mu         sync.Mutex
	centers    []provider.Center
	resolveErr error
	fetch      func(center *provider.Center) ([]provider.Slot, error)
}

func (c *fakeClient) ResolveCenters(ctx context.Context, sess *provider.Session, area string, match provider.MotiveMatcher) ([]provider.Center, error) {
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	return c.centers, nil
}

func (c *fakeClient) FetchSlots(ctx context.Context, sess *provider.Session, center *provider.Center, window provider.DateWindow) ([]provider.Slot, error) {
	c.mu.Lock()
	fetch := c.fetch
	c.mu.Unlock()
	if fetch == nil {
		return nil, nil
	}
	return fetch(center)
}

// serveOnce hands each center its scripted slots exactly once, then keeps
// answering empty.
func serveOnce(byCenter map[string][]provider.Slot) func(*provider.Center) ([]provider.Slot, error) {
	var mu sync.Mutex
	served := map[string]bool{}
	return func(center *provider.Center) ([]provider.Slot, error) {
		mu.Lock()
		defer mu.Unlock()
		if served[center.ID] {
			return nil, nil
		}
		served[center.ID] = true
		return byCenter[center.ID], nil
	}
}

type fakeStore struct {
	mu         sync.Mutex
	current    *provider.Session
	authErr    error
	refreshErr error
	refreshes  int
}

func (s *fakeStore) Authenticate(ctx context.Context) (*provider.Session, error) {
	if s.authErr != nil {
		return nil, s.authErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &provider.Session{Token: "t"}
	return s.current, nil
}

func (s *fakeStore) Current() *provider.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeStore) Refresh(ctx context.Context, stale *provider.Session) (*provider.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	s.current = &provider.Session{Token: "refreshed"}
	return s.current, nil
}

// fakeBooker maps booking tokens to scripted attempt outcomes and records
// call order and concurrency.
type fakeBooker struct {
	mu       sync.Mutex
	outcomes map[string]booking.Attempt
	booked   []string
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
}

func (b *fakeBooker) Book(ctx context.Context, slot provider.Slot, patient provider.Patient) booking.Attempt {
	n := b.inFlight.Add(1)
	for {
		max := b.maxSeen.Load()
		if n <= max || b.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	defer b.inFlight.Add(-1)

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	b.booked = append(b.booked, slot.BookingToken)
	att, ok := b.outcomes[slot.BookingToken]
	b.mu.Unlock()
	if !ok {
		att = booking.Attempt{Outcome: booking.OutcomeLost, Reason: booking.ReasonSlotTaken}
	}
	att.Slot = slot
	att.Patient = patient
	return att
}

func (b *fakeBooker) bookedTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.booked...)
}

func confirmedAttempt(reference string) booking.Attempt {
	return booking.Attempt{
		Outcome:     booking.OutcomeConfirmed,
		Appointment: &provider.Appointment{ID: "appt-1", Reference: reference, Confirmed: true},
	}
}

func newTestOrchestrator(client *fakeClient, store *fakeStore, booker *fakeBooker) *Orchestrator {
	return New(client, store, booker, eligibility.Default(), nil).
		WithArea("berlin").
		WithWindow(testWindow).
		WithPolicy(poll.Policy{Base: time.Millisecond, Ceiling: 5 * time.Millisecond})
}

func TestRunBooksFirstEligibleSlot(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{
		centers: []provider.Center{center},
		fetch:   serveOnce(map[string][]provider.Slot{"c1": {eligibleSlot(center, "tok-1")}}),
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{"tok-1": confirmedAttempt("REF-1")}}

	appt, err := newTestOrchestrator(client, store, booker).Run(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if appt.Reference != "REF-1" {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
	if got := booker.bookedTokens(); len(got) != 1 || got[0] != "tok-1" {
		t.Fatalf("unexpected booking attempts: %v", got)
	}
}

func TestRunContinuesAfterLostRace(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{
		centers: []provider.Center{center},
		fetch: serveOnce(map[string][]provider.Slot{
			"c1": {eligibleSlot(center, "tok-1"), eligibleSlot(center, "tok-2")},
		}),
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{
		"tok-1": {Outcome: booking.OutcomeLost, Reason: booking.ReasonSlotTaken},
		"tok-2": confirmedAttempt("REF-2"),
	}}

	o := newTestOrchestrator(client, store, booker)
	appt, err := o.Run(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("a lost race must not end the run: %v", err)
	}
	if appt.Reference != "REF-2" {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
	if got := booker.bookedTokens(); len(got) != 2 || got[0] != "tok-1" || got[1] != "tok-2" {
		t.Fatalf("expected ordered attempts on both slots, got %v", got)
	}
	if snap := o.Snapshot(); snap.SlotsLost != 1 || snap.Attempts != 2 {
		t.Fatalf("unexpected progress: %+v", snap)
	}
}

func TestRunContinuesAfterAttemptError(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{
		centers: []provider.Center{center},
		fetch: serveOnce(map[string][]provider.Slot{
			"c1": {eligibleSlot(center, "tok-1"), eligibleSlot(center, "tok-2")},
		}),
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{
		"tok-1": {Outcome: booking.OutcomeError, Err: errors.New("confirm exploded")},
		"tok-2": confirmedAttempt("REF-2"),
	}}

	appt, err := newTestOrchestrator(client, store, booker).Run(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("an attempt-local error must not end the run: %v", err)
	}
	if appt.Reference != "REF-2" {
		t.Fatalf("unexpected appointment: %+v", appt)
	}
}

func TestRunDeduplicatesSlots(t *testing.T) {
	center := testCenter("c1")
	slot := eligibleSlot(center, "tok-1")
	client := &fakeClient{centers: []provider.Center{center}}
	// Every poll re-offers the same slot; the booker must still see it once.
	client.fetch = func(*provider.Center) ([]provider.Slot, error) {
		return []provider.Slot{slot}, nil
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{
		"tok-1": {Outcome: booking.OutcomeLost, Reason: booking.ReasonSlotTaken},
	}}

	o := newTestOrchestrator(client, store, booker).WithMaxRunDuration(100 * time.Millisecond)
	_, err := o.Run(context.Background(), testPatient())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if got := booker.bookedTokens(); len(got) != 1 {
		t.Fatalf("a re-offered slot must be attempted once, got %v", got)
	}
}

func TestRunSerializesBookingAttempts(t *testing.T) {
	centers := []provider.Center{testCenter("c1"), testCenter("c2"), testCenter("c3")}
	byCenter := map[string][]provider.Slot{}
	for _, c := range centers {
		byCenter[c.ID] = []provider.Slot{
			eligibleSlot(c, c.ID+"-tok-a"),
			eligibleSlot(c, c.ID+"-tok-b"),
		}
	}
	client := &fakeClient{centers: centers, fetch: serveOnce(byCenter)}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{delay: 2 * time.Millisecond} // every attempt loses

	o := newTestOrchestrator(client, store, booker).WithMaxRunDuration(250 * time.Millisecond)
	if _, err := o.Run(context.Background(), testPatient()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if len(booker.bookedTokens()) < 2 {
		t.Fatal("expected several attempts across centers")
	}
	if max := booker.maxSeen.Load(); max != 1 {
		t.Fatalf("booking attempts overlapped: max in flight %d", max)
	}
}

func TestRunFiltersIneligibleSlots(t *testing.T) {
	center := testCenter("c1")
	stale := eligibleSlot(center, "tok-old")
	stale.Start = testWindow.To.Add(24 * time.Hour)
	unknown := eligibleSlot(center, "tok-unknown")
	unknown.Vaccine = ""
	good := eligibleSlot(center, "tok-good")

	client := &fakeClient{
		centers: []provider.Center{center},
		fetch:   serveOnce(map[string][]provider.Slot{"c1": {stale, unknown, good}}),
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{"tok-good": confirmedAttempt("REF-3")}}

	o := newTestOrchestrator(client, store, booker)
	if _, err := o.Run(context.Background(), testPatient()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := booker.bookedTokens(); len(got) != 1 || got[0] != "tok-good" {
		t.Fatalf("ineligible slots must never reach booking, got %v", got)
	}
	if snap := o.Snapshot(); snap.SlotsSeen != 3 || snap.SlotsEligible != 1 {
		t.Fatalf("unexpected progress: %+v", snap)
	}
}

func TestRunCancelled(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{centers: []provider.Center{center}}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := newTestOrchestrator(client, store, booker).Run(ctx, testPatient())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestRunExhausted(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{centers: []provider.Center{center}} // never any slots
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{}

	o := newTestOrchestrator(client, store, booker).WithMaxRunDuration(50 * time.Millisecond)
	_, err := o.Run(context.Background(), testPatient())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(booker.bookedTokens()) != 0 {
		t.Fatal("nothing should have been booked")
	}
}

func TestRunNoCentersFound(t *testing.T) {
	client := &fakeClient{resolveErr: provider.ErrNoCentersFound}
	store := &fakeStore{current: &provider.Session{Token: "t"}}

	_, err := newTestOrchestrator(client, store, &fakeBooker{}).Run(context.Background(), testPatient())
	if !errors.Is(err, provider.ErrNoCentersFound) {
		t.Fatalf("expected ErrNoCentersFound, got %v", err)
	}
}

func TestRunFailedRefreshIsFatal(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{centers: []provider.Center{center}}
	client.fetch = func(*provider.Center) ([]provider.Slot, error) {
		return nil, provider.ErrAuthRejected
	}
	store := &fakeStore{
		current:    &provider.Session{Token: "t"},
		refreshErr: provider.ErrAuthRejected,
	}

	_, err := newTestOrchestrator(client, store, &fakeBooker{}).Run(context.Background(), testPatient())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
}

func TestRunAuthRejectedAttemptIsFatal(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{
		centers: []provider.Center{center},
		fetch:   serveOnce(map[string][]provider.Slot{"c1": {eligibleSlot(center, "tok-1")}}),
	}
	store := &fakeStore{current: &provider.Session{Token: "t"}}
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{
		"tok-1": {Outcome: booking.OutcomeError, Err: provider.ErrAuthRejected},
	}}

	_, err := newTestOrchestrator(client, store, booker).Run(context.Background(), testPatient())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError for rejected attempt, got %v", err)
	}
}

func TestRunAuthenticatesWhenNoSession(t *testing.T) {
	center := testCenter("c1")
	client := &fakeClient{
		centers: []provider.Center{center},
		fetch:   serveOnce(map[string][]provider.Slot{"c1": {eligibleSlot(center, "tok-1")}}),
	}
	store := &fakeStore{} // no session yet
	booker := &fakeBooker{outcomes: map[string]booking.Attempt{"tok-1": confirmedAttempt("REF-1")}}

	if _, err := newTestOrchestrator(client, store, booker).Run(context.Background(), testPatient()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.Current() == nil {
		t.Fatal("run must establish a session when none exists")
	}
}

func TestRunLoginFailure(t *testing.T) {
	store := &fakeStore{authErr: provider.ErrAuthRejected}
	_, err := newTestOrchestrator(&fakeClient{}, store, &fakeBooker{}).Run(context.Background(), testPatient())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if !errors.Is(err, provider.ErrAuthRejected) {
		t.Fatalf("cause must stay recognizable, got %v", err)
	}
}
