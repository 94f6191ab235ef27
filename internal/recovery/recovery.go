// Package recovery reconciles persisted intents against the live job
// queue at process startup. It repairs the window where the queue and
// the intent store diverged: jobs lost to a Redis outage are recreated,
// and intents whose fire time slipped past are either re-fired
// immediately or written off as failed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/metrics"
	"github.com/encorehq/stagebell/internal/notify"
	"github.com/encorehq/stagebell/internal/queue"
)

// IntentStore is the slice of the intent repository recovery needs.
type IntentStore interface {
	ListPendingFiringAfter(ctx context.Context, t time.Time) ([]*db.ScheduledIntent, error)
	ListPendingFiringBefore(ctx context.Context, t time.Time) ([]*db.ScheduledIntent, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// JobQueue is the queue surface recovery needs: existence checks and
// re-creation.
type JobQueue interface {
	Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error
	GetByID(ctx context.Context, id string) (*queue.Job, error)
}

// Config holds the recovery windows.
type Config struct {
	// Grace is the processing lag tolerated before a past-due pending
	// intent counts as stale rather than merely in flight.
	Grace time.Duration

	// MaxStale bounds how old a lost intent may be and still be
	// re-fired; older ones are marked failed instead.
	MaxStale time.Duration
}

// Service runs the two reconciliation passes. Not-yet-due intents are
// silently re-armed; overdue ones force a decision between immediate
// re-fire and giving up. Conflating the two would either fire
// far-future notifications on every restart or silently abandon
// near-term ones.
type Service struct {
	intents IntentStore
	jobs    JobQueue
	config  Config
	logger  *zap.Logger

	now func() time.Time
}

// New creates a recovery service.
func New(intents IntentStore, jobs JobQueue, cfg Config, logger *zap.Logger) *Service {
	if cfg.Grace == 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.MaxStale == 0 {
		cfg.MaxStale = 24 * time.Hour
	}

	return &Service{
		intents: intents,
		jobs:    jobs,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes both passes. Individual intent failures are logged and
// counted; they never abort the rest of a pass.
func (s *Service) Run(ctx context.Context) error {
	start := s.now()

	if err := s.recoverFuture(ctx); err != nil {
		return fmt.Errorf("recovery pass A: %w", err)
	}
	if err := s.sweepStale(ctx); err != nil {
		return fmt.Errorf("recovery pass B: %w", err)
	}

	s.logger.Info("recovery complete", zap.Duration("took", time.Since(start)))
	return nil
}

// recoverFuture re-creates queue jobs for pending intents that are not
// yet due but have no live job (pass A).
func (s *Service) recoverFuture(ctx context.Context) error {
	now := s.now()

	intents, err := s.intents.ListPendingFiringAfter(ctx, now)
	if err != nil {
		return fmt.Errorf("list pending future intents: %w", err)
	}

	var recovered, present, failed int
	for _, intent := range intents {
		_, err := s.jobs.GetByID(ctx, intent.ID.String())
		switch {
		case err == nil:
			present++
			metrics.RecordRecoveryOutcome("future", "present")

		case errors.Is(err, queue.ErrJobNotFound):
			if err := s.enqueueIntent(ctx, intent, intent.FireAt.Sub(now)); err != nil {
				s.logger.Error("failed to recreate job",
					zap.String("intent_id", intent.ID.String()),
					zap.Error(err),
				)
				failed++
				metrics.RecordRecoveryOutcome("future", "error")
				continue
			}
			recovered++
			metrics.RecordRecoveryOutcome("future", "recovered")
			s.logger.Info("job recreated for pending intent",
				zap.String("intent_id", intent.ID.String()),
				zap.Time("fire_at", intent.FireAt),
			)

		default:
			s.logger.Error("queue lookup failed",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err),
			)
			failed++
			metrics.RecordRecoveryOutcome("future", "error")
		}
	}

	s.logger.Info("recovery pass A complete",
		zap.Int("recovered", recovered),
		zap.Int("already_present", present),
		zap.Int("errors", failed),
	)

	return nil
}

// sweepStale resolves pending intents whose fire time slipped past the
// grace period (pass B): re-fire immediately when young enough, mark
// failed when not.
func (s *Service) sweepStale(ctx context.Context) error {
	now := s.now()

	intents, err := s.intents.ListPendingFiringBefore(ctx, now.Add(-s.config.Grace))
	if err != nil {
		return fmt.Errorf("list stale pending intents: %w", err)
	}

	var refired, present, buried, failed int
	for _, intent := range intents {
		_, err := s.jobs.GetByID(ctx, intent.ID.String())
		if err == nil {
			// A job still exists; it may be mid-processing. Leave it.
			present++
			metrics.RecordRecoveryOutcome("stale", "present")
			continue
		}
		if !errors.Is(err, queue.ErrJobNotFound) {
			s.logger.Error("queue lookup failed",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err),
			)
			failed++
			metrics.RecordRecoveryOutcome("stale", "error")
			continue
		}

		if now.Sub(intent.CreatedAt) > s.config.MaxStale {
			if err := s.intents.MarkFailed(ctx, intent.ID, "job lost, too old to recover"); err != nil {
				s.logger.Error("failed to bury stale intent",
					zap.String("intent_id", intent.ID.String()),
					zap.Error(err),
				)
				failed++
				metrics.RecordRecoveryOutcome("stale", "error")
				continue
			}
			buried++
			metrics.RecordRecoveryOutcome("stale", "failed")
			s.logger.Warn("stale intent marked failed",
				zap.String("intent_id", intent.ID.String()),
				zap.Time("fire_at", intent.FireAt),
			)
			continue
		}

		if err := s.enqueueIntent(ctx, intent, 0); err != nil {
			s.logger.Error("failed to re-fire stale intent",
				zap.String("intent_id", intent.ID.String()),
				zap.Error(err),
			)
			failed++
			metrics.RecordRecoveryOutcome("stale", "error")
			continue
		}
		refired++
		metrics.RecordRecoveryOutcome("stale", "refired")
		s.logger.Info("stale intent re-fired",
			zap.String("intent_id", intent.ID.String()),
			zap.Time("fire_at", intent.FireAt),
		)
	}

	s.logger.Info("recovery pass B complete",
		zap.Int("refired", refired),
		zap.Int("left_in_flight", present),
		zap.Int("marked_failed", buried),
		zap.Int("errors", failed),
	)

	return nil
}

func (s *Service) enqueueIntent(ctx context.Context, intent *db.ScheduledIntent, delay time.Duration) error {
	payload, err := notify.DirectJobPayload{IntentID: intent.ID.String()}.Marshal()
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = s.jobs.Add(ctx, intent.ID.String(), notify.JobKindDirect, payload, delay)
	if errors.Is(err, queue.ErrDuplicateJob) {
		// Raced with another recovering process; the job exists now.
		return nil
	}
	return err
}
