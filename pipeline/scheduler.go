package pipeline

import (
	"context"
	"time"

	"listing-tracker/utils"
)

// Starter launches a background run and reports whether it was accepted.
type Starter interface {
	Start(ctx context.Context) bool
}

// NextDaily returns the first hour:minute in loc strictly after now.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
	}
	return next
}

// Scheduler triggers one run per day at a fixed local time.
type Scheduler struct {
	starter Starter
	hour    int
	minute  int
	loc     *time.Location
	now     func() time.Time
	logger  *utils.Logger
}

func NewScheduler(starter Starter, hour, minute int, loc *time.Location, logger *utils.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		starter: starter,
		hour:    hour,
		minute:  minute,
		loc:     loc,
		now:     time.Now,
		logger:  logger.Component("scheduler"),
	}
}

// Run blocks until ctx is cancelled. A tick that finds a run in progress is
// skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := NextDaily(s.now(), s.hour, s.minute, s.loc)
		s.logger.Info("Next scheduled run at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if !s.starter.Start(ctx) {
			s.logger.Warn("Scheduled run skipped: a run is already in progress")
		}
	}
}
