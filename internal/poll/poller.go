package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openvax/slotgun/internal/provider"
	"github.com/openvax/slotgun/pkg/logging"
)

// SlotFetcher is the slice of the provider client the poller needs.
type SlotFetcher interface {
	FetchSlots(ctx context.Context, sess *provider.Session, center *provider.Center, window provider.DateWindow) ([]provider.Slot, error)
}

// SessionSource hands out the shared session and performs the serialized
// refresh when a worker's request was rejected.
type SessionSource interface {
	Current() *provider.Session
	Refresh(ctx context.Context, stale *provider.Session) (*provider.Session, error)
}

// SlotHandler receives every non-empty fetch result, in fetch order.
type SlotHandler func(slots []provider.Slot)

// Observer is notified of per-center poll outcomes; all methods may be
// called from many workers concurrently.
type Observer interface {
	PollSucceeded(center provider.Center, slots int)
	PollRateLimited(center provider.Center, hint time.Duration)
	PollUnavailable(center provider.Center)
	PollMalformed(center provider.Center, err error)
}

// Poller repeatedly queries one center until its context is cancelled or a
// session refresh fails. A rate-limited or slow center never blocks other
// pollers; each runs on its own goroutine and cadence.
type Poller struct {
	center   provider.Center
	fetcher  SlotFetcher
	sessions SessionSource
	handle   SlotHandler
	logger   *logging.Logger

	window   provider.DateWindow
	policy   Policy
	observer Observer
}

// NewPoller builds a worker for one center.
func NewPoller(center provider.Center, fetcher SlotFetcher, sessions SessionSource, handle SlotHandler, logger *logging.Logger) *Poller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Poller{
		center:   center,
		fetcher:  fetcher,
		sessions: sessions,
		handle:   handle,
		logger:   logger,
		policy:   DefaultPolicy(),
	}
}

// WithWindow sets the requested date window.
func (p *Poller) WithWindow(w provider.DateWindow) *Poller {
	p.window = w
	return p
}

// WithPolicy sets the cadence policy.
func (p *Poller) WithPolicy(policy Policy) *Poller {
	p.policy = policy
	return p
}

// WithObserver attaches an outcome observer.
func (p *Poller) WithObserver(o Observer) *Poller {
	p.observer = o
	return p
}

// Run polls until ctx is cancelled. It returns nil on cancellation and an
// error only for the one fatal condition a worker can hit: the session was
// rejected and the single re-authentication attempt failed.
func (p *Poller) Run(ctx context.Context) error {
	failures := 0
	var hint time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		hint = 0
		sess := p.sessions.Current()
		slots, err := p.fetcher.FetchSlots(ctx, sess, &p.center, p.window)

		switch {
		case err == nil:
			failures = 0
			if p.observer != nil {
				p.observer.PollSucceeded(p.center, len(slots))
			}
			if len(slots) > 0 && p.handle != nil {
				p.handle(slots)
			}

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil

		case errors.Is(err, provider.ErrAuthRejected):
			if _, rerr := p.sessions.Refresh(ctx, sess); rerr != nil {
				return fmt.Errorf("poll: center %s: %w", p.center.ID, rerr)
			}
			// Refreshed session; retry on the normal cadence.

		default:
			if retryAfter, ok := provider.IsRateLimited(err); ok {
				hint = retryAfter
				if p.observer != nil {
					p.observer.PollRateLimited(p.center, retryAfter)
				}
				p.logger.Debug("center rate limited", "center_id", p.center.ID, "retry_after", retryAfter)
			} else if provider.IsMalformed(err) {
				// Provider schema drift on one fetch; keep the cadence.
				if p.observer != nil {
					p.observer.PollMalformed(p.center, err)
				}
				p.logger.Warn("malformed availability response", "center_id", p.center.ID, "error", err)
			} else {
				failures++
				if p.observer != nil {
					p.observer.PollUnavailable(p.center)
				}
				p.logger.Debug("center unavailable", "center_id", p.center.ID, "failures", failures, "error", err)
			}
		}

		delay := p.policy.NextDelay(failures, hint)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
