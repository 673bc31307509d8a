package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler fires runs on standard five-field cron expressions evaluated in the
// market timezone.
type Scheduler struct {
	cron    *cron.Cron
	trigger *Trigger
	logger  *logrus.Logger
	baseCtx context.Context
}

// NewScheduler registers every cron expression. An invalid one fails construction.
func NewScheduler(baseCtx context.Context, exprs []string, loc *time.Location, t *Trigger, logger *logrus.Logger) (*Scheduler, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.UTC
	}
	if len(exprs) == 0 {
		return nil, errors.New("no schedule runs configured")
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		trigger: t,
		logger:  logger,
		baseCtx: baseCtx,
	}
	for _, expr := range exprs {
		if _, err := s.cron.AddFunc(expr, s.fire); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", expr, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire() {
	report, err := s.trigger.RunOnce(s.baseCtx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn("Scheduled run skipped, previous run still active")
	case err != nil:
		// RunOnce already logged the failure
	case report != nil:
		s.logger.WithFields(logrus.Fields{
			"traded":  report.Traded(),
			"skipped": report.Skipped,
		}).Info("Scheduled run finished")
	}
}

// Next returns the next fire time across all expressions.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("next_run", s.Next()).Info("Scheduler started")
}

// Stop stops firing and waits for an active run to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
