// Package scheduler applies deferred flag changes when their scheduled time
// arrives. It polls the database rather than keeping timers so changes
// created by any process are picked up, and a crashed process never loses a
// pending change.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

const DefaultPollInterval = 30 * time.Second

// Store lists and settles scheduled changes.
type Store interface {
	ListDueScheduledChanges(ctx context.Context, now time.Time) ([]repository.ScheduledChange, error)
	MarkScheduledChangeExecuted(ctx context.Context, id string) error
}

// Applier executes one due change through the regular mutation path.
type Applier interface {
	ApplyScheduledChange(ctx context.Context, change repository.ScheduledChange) error
}

// Scheduler polls for due changes and applies them.
type Scheduler struct {
	store     Store
	applier   Applier
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	onRun     func()
	onFailure func()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the polling interval.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithRunHooks registers callbacks invoked on every poll and on every failed
// change application, for metric counters.
func WithRunHooks(onRun, onFailure func()) Option {
	return func(s *Scheduler) {
		s.onRun = onRun
		s.onFailure = onFailure
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler.
func New(store Store, applier Applier, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		applier:  applier,
		logger:   logger,
		interval: DefaultPollInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run polls until ctx is cancelled. It ticks once immediately so changes due
// at startup are not delayed by a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce applies every change currently due. A failing change is logged and
// left unexecuted for the next poll; it never blocks the rest of the batch.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.onRun != nil {
		s.onRun()
	}

	due, err := s.store.ListDueScheduledChanges(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "list due scheduled changes", slog.String("error", err.Error()))
		return
	}

	for _, change := range due {
		if ctx.Err() != nil {
			return
		}

		if err := s.applier.ApplyScheduledChange(ctx, change); err != nil {
			if s.onFailure != nil {
				s.onFailure()
			}
			s.logger.ErrorContext(ctx, "apply scheduled change",
				slog.String("change_id", change.ID),
				slog.String("change_type", change.ChangeType),
				slog.String("flag_key", change.FlagKey),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.store.MarkScheduledChangeExecuted(ctx, change.ID); err != nil {
			s.logger.ErrorContext(ctx, "mark scheduled change executed",
				slog.String("change_id", change.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.InfoContext(ctx, "applied scheduled change",
			slog.String("change_id", change.ID),
			slog.String("change_type", change.ChangeType),
			slog.String("flag_key", change.FlagKey),
			slog.String("environment_id", change.EnvironmentID),
		)
	}
}
