// Package orchestrator wires discovery and booking together: concurrent
// per-center polling feeds an ordered arrival queue, and one booking
// attempt at a time drains it until a confirmation or a fatal condition.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openvax/slotgun/internal/booking"
	"github.com/openvax/slotgun/internal/eligibility"
	"github.com/openvax/slotgun/internal/observability/metrics"
	"github.com/openvax/slotgun/internal/poll"
	"github.com/openvax/slotgun/internal/provider"
	"github.com/openvax/slotgun/pkg/logging"
)

// defaultQueueCapacity bounds the arrival queue. Slots dropped at the
// bound are re-discovered on the next poll cycle if still open.
const defaultQueueCapacity = 16

// ProviderClient is the slice of the provider client the orchestrator
// drives directly.
type ProviderClient interface {
	ResolveCenters(ctx context.Context, sess *provider.Session, area string, match provider.MotiveMatcher) ([]provider.Center, error)
	FetchSlots(ctx context.Context, sess *provider.Session, center *provider.Center, window provider.DateWindow) ([]provider.Slot, error)
}

// Sessions owns the shared authenticated session.
type Sessions interface {
	Authenticate(ctx context.Context) (*provider.Session, error)
	Current() *provider.Session
	Refresh(ctx context.Context, stale *provider.Session) (*provider.Session, error)
}

// Booker executes one booking attempt at a time.
type Booker interface {
	Book(ctx context.Context, slot provider.Slot, patient provider.Patient) booking.Attempt
}

// Progress is the observable state of a run, published to the progress
// callback and the status endpoint. Content only; formatting belongs to
// the integrator.
type Progress struct {
	Centers            int       `json:"centers"`
	RateLimitedCenters int       `json:"rate_limited_centers"`
	SlotsSeen          int       `json:"slots_seen"`
	SlotsEligible      int       `json:"slots_eligible"`
	SlotsLost          int       `json:"slots_lost"`
	Attempts           int       `json:"attempts"`
	StartedAt          time.Time `json:"started_at"`
}

// ProgressFunc receives progress snapshots; it must not block.
type ProgressFunc func(Progress)

// Orchestrator runs the whole engine for one patient.
type Orchestrator struct {
	client   ProviderClient
	sessions Sessions
	booker   Booker
	rules    *eligibility.Rules
	logger   *logging.Logger

	area     string
	window   provider.DateWindow
	policy   poll.Policy
	maxRun   time.Duration
	queueCap int
	metrics  *metrics.EngineMetrics
	progress ProgressFunc

	mu          sync.Mutex
	state       Progress
	rateLimited map[string]bool
	seen        map[string]struct{}
}

// New builds an orchestrator. Area, window and cadence are set through the
// With options before Run.
func New(client ProviderClient, sessions Sessions, booker Booker, rules *eligibility.Rules, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default()
	}
	if rules == nil {
		rules = eligibility.Default()
	}
	return &Orchestrator{
		client:      client,
		sessions:    sessions,
		booker:      booker,
		rules:       rules,
		logger:      logger,
		policy:      poll.DefaultPolicy(),
		queueCap:    defaultQueueCapacity,
		rateLimited: map[string]bool{},
		seen:        map[string]struct{}{},
	}
}

// WithArea sets the center search area.
func (o *Orchestrator) WithArea(area string) *Orchestrator {
	o.area = area
	return o
}

// WithWindow sets the requested date window.
func (o *Orchestrator) WithWindow(w provider.DateWindow) *Orchestrator {
	o.window = w
	return o
}

// WithPolicy sets the polling cadence policy.
func (o *Orchestrator) WithPolicy(p poll.Policy) *Orchestrator {
	o.policy = p
	return o
}

// WithMaxRunDuration bounds the whole run; past it the run fails with
// ErrExhausted.
func (o *Orchestrator) WithMaxRunDuration(d time.Duration) *Orchestrator {
	o.maxRun = d
	return o
}

// WithMetrics attaches engine metrics.
func (o *Orchestrator) WithMetrics(m *metrics.EngineMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithProgress attaches a progress callback.
func (o *Orchestrator) WithProgress(fn ProgressFunc) *Orchestrator {
	o.progress = fn
	return o
}

// Snapshot returns the current progress.
func (o *Orchestrator) Snapshot() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Run authenticates, resolves centers, polls them all concurrently and
// books the first eligible slot it can win. It returns the confirmed
// appointment, or one of: *AuthError, provider.ErrNoCentersFound,
// ErrCancelled, ErrExhausted.
func (o *Orchestrator) Run(ctx context.Context, patient provider.Patient) (*provider.Appointment, error) {
	o.mu.Lock()
	o.state = Progress{StartedAt: time.Now()}
	o.mu.Unlock()

	// Reuse a session the caller already established (patient selection
	// happens before Run); log in only when there is none.
	sess := o.sessions.Current()
	if !sess.Valid(time.Now()) {
		var err error
		sess, err = o.sessions.Authenticate(ctx)
		if err != nil {
			return nil, &AuthError{Err: err}
		}
	}

	centers, err := o.resolveCenters(ctx, sess)
	if err != nil {
		return nil, err
	}
	o.logger.Info("centers resolved", "area", o.area, "count", len(centers))
	o.updateProgress(func(p *Progress) { p.Centers = len(centers) })

	runCtx := ctx
	cancelRun := context.CancelFunc(func() {})
	if o.maxRun > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, o.maxRun)
	}
	defer cancelRun()

	pollCtx, stopPolling := context.WithCancel(runCtx)
	defer stopPolling()

	arrivals := make(chan provider.Slot, o.queueCap)
	filter := eligibility.NewFilter(o.rules, o.window)

	pollers := make([]*poll.Poller, 0, len(centers))
	for _, center := range centers {
		p := poll.NewPoller(center, o.client, o.sessions, o.enqueue(arrivals, filter, patient), o.logger.Component("poller")).
			WithWindow(o.window).
			WithPolicy(o.policy).
			WithObserver(o)
		pollers = append(pollers, p)
	}

	scheduler := poll.NewScheduler(pollers, o.logger.Component("scheduler"))
	schedDone := make(chan error, 1)
	go func() {
		schedDone <- scheduler.Run(pollCtx)
	}()

	// schedCh is nilled once the scheduler result was consumed so the
	// select stops firing on it; waitWorkers drains it at most once.
	schedCh := schedDone
	waitWorkers := func() {
		stopPolling()
		if schedCh != nil {
			<-schedCh
			schedCh = nil
		}
	}

	for {
		select {
		case <-runCtx.Done():
			waitWorkers()
			if ctx.Err() != nil {
				o.logger.Info("run cancelled")
				return nil, ErrCancelled
			}
			o.logger.Info("run exhausted", "max_run", o.maxRun)
			return nil, ErrExhausted

		case err := <-schedCh:
			schedCh = nil
			if err != nil {
				// The only fatal worker condition: refresh failed.
				o.logger.Error("polling aborted", "error", err)
				return nil, &AuthError{Err: err}
			}
			// Workers stopped because a context above fired; classify on
			// the next loop turn.

		case slot := <-arrivals:
			appointment, done, err := o.attempt(runCtx, slot, patient)
			if err != nil {
				waitWorkers()
				return nil, err
			}
			if done {
				waitWorkers()
				return appointment, nil
			}
		}
	}
}

// attempt drives one serialized booking attempt. done reports a confirmed
// booking; err reports a fatal run failure.
func (o *Orchestrator) attempt(ctx context.Context, slot provider.Slot, patient provider.Patient) (*provider.Appointment, bool, error) {
	if ctx.Err() != nil {
		// The run ended while this slot sat in the queue.
		return nil, false, nil
	}

	o.metrics.ClaimStarted()
	att := o.booker.Book(ctx, slot, patient)
	o.metrics.ClaimFinished()
	o.metrics.ObserveBookingAttempt(string(att.Outcome))
	o.updateProgress(func(p *Progress) { p.Attempts++ })

	switch att.Outcome {
	case booking.OutcomeConfirmed:
		return att.Appointment, true, nil

	case booking.OutcomeLost:
		o.metrics.ObserveSlotLost()
		o.updateProgress(func(p *Progress) { p.SlotsLost++ })
		return nil, false, nil

	default:
		if att.Err != nil && errors.Is(att.Err, provider.ErrAuthRejected) {
			return nil, false, &AuthError{Err: att.Err}
		}
		// Attempt-local failure; fall through to the next queued slot.
		return nil, false, nil
	}
}

// enqueue returns the slot handler shared by all pollers: filter, dedupe
// by booking token, preserve arrival order, never block a poller.
func (o *Orchestrator) enqueue(arrivals chan<- provider.Slot, filter *eligibility.Filter, patient provider.Patient) poll.SlotHandler {
	return func(slots []provider.Slot) {
		for _, slot := range slots {
			o.updateProgress(func(p *Progress) { p.SlotsSeen++ })
			if !filter.Accepts(slot, patient) {
				continue
			}

			o.mu.Lock()
			if _, dup := o.seen[slot.BookingToken]; dup {
				o.mu.Unlock()
				continue
			}
			o.seen[slot.BookingToken] = struct{}{}
			o.mu.Unlock()

			o.metrics.ObserveSlotEligible()
			o.updateProgress(func(p *Progress) { p.SlotsEligible++ })

			select {
			case arrivals <- slot:
			default:
				// Queue full; the slot will be re-offered next cycle if
				// it survives.
				o.logger.Debug("arrival queue full, dropping slot",
					"center", slot.Center.Name, "start", slot.Start, "capacity", slot.Capacity)
				o.forget(slot.BookingToken)
			}
		}
	}
}

func (o *Orchestrator) forget(token string) {
	o.mu.Lock()
	delete(o.seen, token)
	o.mu.Unlock()
}

// resolveCenters performs the one-shot catalog lookup, refreshing the
// session once if the provider rejects it.
func (o *Orchestrator) resolveCenters(ctx context.Context, sess *provider.Session) ([]provider.Center, error) {
	centers, err := o.client.ResolveCenters(ctx, sess, o.area, o.rules.MatchVaccine)
	if errors.Is(err, provider.ErrAuthRejected) {
		fresh, rerr := o.sessions.Refresh(ctx, sess)
		if rerr != nil {
			return nil, &AuthError{Err: rerr}
		}
		centers, err = o.client.ResolveCenters(ctx, fresh, o.area, o.rules.MatchVaccine)
	}
	return centers, err
}

func (o *Orchestrator) updateProgress(mut func(*Progress)) {
	o.mu.Lock()
	mut(&o.state)
	o.state.RateLimitedCenters = len(o.rateLimited)
	snapshot := o.state
	o.mu.Unlock()

	o.metrics.SetRateLimitedCenters(snapshot.RateLimitedCenters)
	if o.progress != nil {
		o.progress(snapshot)
	}
}

// Poll observer callbacks (poll.Observer); invoked concurrently by the
// per-center workers.

var _ poll.Observer = (*Orchestrator)(nil)

func (o *Orchestrator) PollSucceeded(center provider.Center, slots int) {
	o.metrics.ObservePoll(center.ID, "ok")
	o.metrics.ObserveSlotsDiscovered(slots)
	o.mu.Lock()
	delete(o.rateLimited, center.ID)
	o.mu.Unlock()
	o.updateProgress(func(p *Progress) {})
}

func (o *Orchestrator) PollRateLimited(center provider.Center, hint time.Duration) {
	o.metrics.ObservePoll(center.ID, "rate_limited")
	o.mu.Lock()
	o.rateLimited[center.ID] = true
	o.mu.Unlock()
	o.updateProgress(func(p *Progress) {})
}

func (o *Orchestrator) PollUnavailable(center provider.Center) {
	o.metrics.ObservePoll(center.ID, "unavailable")
}

func (o *Orchestrator) PollMalformed(center provider.Center, err error) {
	o.metrics.ObservePoll(center.ID, "malformed")
}
