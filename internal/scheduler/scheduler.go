// Package scheduler discovers upcoming concerts and converts them into
// time-delayed delivery jobs. It runs once at process start and then
// on a daily cadence aligned to midnight local time.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/notify"
	"github.com/encorehq/stagebell/internal/queue"
)

// ConcertStore is the slice of the concert repository the scheduler needs.
type ConcertStore interface {
	ListWithTriggerBetween(ctx context.Context, kind notify.Kind, from, to time.Time) ([]*db.Concert, error)
}

// JobQueue is the enqueue side of the delayed queue.
type JobQueue interface {
	Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error
}

// Config holds the scan window and per-kind offset lists. The window
// start must be at least the largest offset so every fire time is
// still in the future when computed.
type Config struct {
	LookaheadFrom time.Duration
	LookaheadTo   time.Duration
	Offsets       map[notify.Kind][]int // minutes before the trigger instant
}

// Scheduler converts concerts inside the lookahead window into one
// delayed job per (concert, offset) pair. Job ids are deterministic,
// so a rerun (crash mid-scan, daily overlap) collides with the queue's
// duplicate-id rejection instead of double-scheduling.
type Scheduler struct {
	concerts ConcertStore
	jobs     JobQueue
	config   Config
	logger   *zap.Logger

	now func() time.Time
}

// New creates a scheduler.
func New(concerts ConcertStore, jobs JobQueue, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		concerts: concerts,
		jobs:     jobs,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs one scan immediately, then one per day at local midnight,
// until the context is cancelled. Blocks; run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.Run(ctx)

	for {
		timer := time.NewTimer(time.Until(nextMidnight(s.now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopping")
			return
		case <-timer.C:
			s.Run(ctx)
		}
	}
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.Local().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.Local)
}

// Run performs a single scan over both notification kinds. A failure
// on one (concert, offset) pair is logged and does not abort the rest.
func (s *Scheduler) Run(ctx context.Context) {
	start := s.now()
	var enqueued, duplicates, skipped, failed int

	for kind, offsets := range s.config.Offsets {
		e, d, sk, f := s.scanKind(ctx, kind, offsets)
		enqueued += e
		duplicates += d
		skipped += sk
		failed += f
	}

	s.logger.Info("scheduler run complete",
		zap.Int("enqueued", enqueued),
		zap.Int("duplicates", duplicates),
		zap.Int("skipped_elapsed", skipped),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)),
	)
}

func (s *Scheduler) scanKind(ctx context.Context, kind notify.Kind, offsets []int) (enqueued, duplicates, skipped, failed int) {
	now := s.now()
	from := now.Add(s.config.LookaheadFrom)
	to := now.Add(s.config.LookaheadTo)

	concerts, err := s.concerts.ListWithTriggerBetween(ctx, kind, from, to)
	if err != nil {
		s.logger.Error("concert scan failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return 0, 0, 0, 1
	}

	for _, concert := range concerts {
		trigger := concert.TriggerAt(kind)

		for _, offset := range offsets {
			fireAt := trigger.Add(-time.Duration(offset) * time.Minute)
			if !fireAt.After(now) {
				// Already elapsed; a concert discovered late must not
				// fire stale notifications.
				skipped++
				continue
			}

			jobID := notify.EventJobID(kind, concert.ID.String(), trigger, offset)
			payload, err := notify.EventJobPayload{
				ConcertID:     concert.ID.String(),
				ConcertTitle:  concert.Title,
				Kind:          kind,
				TriggerAt:     trigger,
				OffsetMinutes: offset,
			}.Marshal()
			if err != nil {
				s.logger.Error("payload marshal failed",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
				failed++
				continue
			}

			err = s.jobs.Add(ctx, jobID, notify.JobKindEvent, payload, fireAt.Sub(now))
			switch {
			case errors.Is(err, queue.ErrDuplicateJob):
				duplicates++
			case err != nil:
				s.logger.Error("enqueue failed",
					zap.String("job_id", jobID),
					zap.String("concert_id", concert.ID.String()),
					zap.Error(err),
				)
				failed++
			default:
				enqueued++
				s.logger.Debug("notification scheduled",
					zap.String("job_id", jobID),
					zap.Time("fire_at", fireAt),
				)
			}
		}
	}

	return enqueued, duplicates, skipped, failed
}
