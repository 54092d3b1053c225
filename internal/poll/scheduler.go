package poll

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/openvax/slotgun/pkg/logging"
)

// Scheduler runs one poller per center concurrently. A fatal worker error
// (failed re-authentication) cancels the whole group; everything else is
// absorbed inside the workers.
type Scheduler struct {
	pollers []*Poller
	logger  *logging.Logger
}

// NewScheduler groups the given pollers.
func NewScheduler(pollers []*Poller, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{pollers: pollers, logger: logger}
}

// Run blocks until every worker has stopped. Cancellation of ctx reaches
// each worker within one poll cycle; outstanding requests are abandoned
// via context, not awaited.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.pollers {
		p := p
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	s.logger.Info("polling started", "centers", len(s.pollers))
	err := g.Wait()
	s.logger.Info("polling stopped")
	return err
}
