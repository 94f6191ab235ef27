package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/metrics"
)

const (
	jobKeyPrefix  = "jobs:record:"
	scheduledKey  = "jobs:scheduled"  // ZSET, score = fire time (unix ms)
	processingKey = "jobs:processing" // ZSET, score = lease deadline (unix ms)

	dispatchLimitKey = "dispatch"
	maxBackoff       = 1 * time.Hour
)

// Job status constants. A job's terminal state (completed, dead) is
// queue-local and distinct from any intent status the worker maintains.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusDead      = "dead"
)

// ErrDuplicateJob indicates the job id was already enqueued within its
// retention window. Callers rely on this as the idempotency mechanism.
var ErrDuplicateJob = errors.New("duplicate job id")

// ErrJobNotFound indicates no job record exists for the id.
var ErrJobNotFound = errors.New("job not found")

// Job is the queue envelope.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Status      string          `json:"status"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FireAt      time.Time       `json:"fire_at"`
}

// Live reports whether the job is still owned by the queue (waiting or
// in flight), as opposed to a retained terminal record.
func (j *Job) Live() bool {
	return j.Status == StatusScheduled || j.Status == StatusActive
}

// Handler processes one claimed job. A nil return acknowledges the
// job; an error sends it through retry/backoff until max attempts.
type Handler func(ctx context.Context, job *Job) error

// Config tunes the queue's consume side and retention.
type Config struct {
	MaxAttempts        int
	BackoffBase        time.Duration
	PollInterval       time.Duration
	Concurrency        int
	LeaseTimeout       time.Duration
	CompletedRetention time.Duration
	DeadRetention      time.Duration
}

// Queue is a durable delayed job queue on Redis sorted sets. Multiple
// worker processes may consume the same queue; the claim script moves
// a due member out of the scheduled set atomically, so at most one
// consumer holds a job at a time.
type Queue struct {
	client  *Client
	limiter *RateLimiter // nil disables dispatch limiting
	config  Config
	logger  *zap.Logger

	now func() time.Time
}

// New creates a queue over an established Redis client.
func New(client *Client, limiter *RateLimiter, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = 5 * time.Minute
	}
	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = 1 * time.Hour
	}
	if cfg.DeadRetention == 0 {
		cfg.DeadRetention = 7 * 24 * time.Hour
	}

	return &Queue{
		client:  client,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Add enqueues a job under the caller-supplied id with the given
// delay. Returns ErrDuplicateJob if the id was already enqueued within
// its retention window; this, not a lookup-then-insert, is how reruns
// of the scheduler stay idempotent.
func (q *Queue) Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}

	now := q.now().UTC()
	job := &Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Attempt:     0,
		MaxAttempts: q.config.MaxAttempts,
		Status:      StatusScheduled,
		EnqueuedAt:  now,
		FireAt:      now.Add(delay),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	// The record must outlive the delay (which can be days) plus the
	// dead-retention window, so the duplicate-id guard holds for the
	// whole job lifecycle.
	retention := delay + q.config.DeadRetention

	set, err := q.client.rdb.SetNX(ctx, jobKey(id), data, retention).Result()
	if err != nil {
		return fmt.Errorf("reserve job id: %w", err)
	}
	if !set {
		metrics.RecordJobDuplicate(kind)
		return fmt.Errorf("job %s: %w", id, ErrDuplicateJob)
	}

	if err := q.client.rdb.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(job.FireAt.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		// Release the reservation. A record with no scheduled member
		// would reject every retry of this id as a duplicate for the
		// whole retention window, while looking like a live job to
		// recovery.
		if delErr := q.client.rdb.Del(ctx, jobKey(id)).Err(); delErr != nil {
			q.logger.Error("failed to release job reservation",
				zap.String("job_id", id),
				zap.Error(delErr),
			)
		}
		return fmt.Errorf("schedule job: %w", err)
	}

	metrics.RecordJobEnqueued(kind)
	q.logger.Debug("job enqueued",
		zap.String("job_id", id),
		zap.String("kind", kind),
		zap.Duration("delay", delay),
	)

	return nil
}

// GetByID retrieves a job record, live or retained-terminal.
func (q *Queue) GetByID(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}

	return &job, nil
}

// Depth returns the number of jobs waiting in the scheduled set.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.rdb.ZCard(ctx, scheduledKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// claimScript atomically moves up to ARGV[2] due members from the
// scheduled set into the processing set with a lease deadline. The
// mover owns the job; concurrent consumers cannot claim it again.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return due
`)

// reclaimScript returns members whose lease deadline has passed to the
// scheduled set, making them immediately due again. Covers consumers
// that crashed mid-job.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #expired
`)

func (q *Queue) claimDue(ctx context.Context, limit int) ([]string, error) {
	now := q.now()
	lease := now.Add(q.config.LeaseTimeout)

	res, err := claimScript.Run(ctx, q.client.rdb,
		[]string{scheduledKey, processingKey},
		now.UnixMilli(), limit, lease.UnixMilli(),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	return res, nil
}

func (q *Queue) reclaimExpired(ctx context.Context) error {
	err := reclaimScript.Run(ctx, q.client.rdb,
		[]string{processingKey, scheduledKey},
		q.now().UnixMilli(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reclaim expired leases: %w", err)
	}
	return nil
}

// Consume polls for due jobs and dispatches them to handler with
// bounded concurrency until the context is cancelled. Blocks; run it
// in its own goroutine.
func (q *Queue) Consume(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, q.config.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue consumer stopping")
			wg.Wait()
			return
		case <-ticker.C:
			if err := q.reclaimExpired(ctx); err != nil {
				q.logger.Error("lease reclaim failed", zap.Error(err))
			}

			ids, err := q.claimDue(ctx, q.config.Concurrency)
			if err != nil {
				q.logger.Error("claim failed", zap.Error(err))
				continue
			}

			for _, id := range ids {
				if !q.allowDispatch(ctx, id) {
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					q.pushBack(ctx, id, 0)
					continue
				}

				wg.Add(1)
				go func(jobID string) {
					defer wg.Done()
					defer func() { <-sem }()
					q.process(ctx, jobID, handler)
				}(id)
			}

			if depth, err := q.Depth(ctx); err == nil {
				metrics.SetQueueDepth(depth)
			}
		}
	}
}

// allowDispatch consults the shared rate limiter. Denied jobs are
// pushed back as due-now; a limiter infrastructure error does not
// block dispatching.
func (q *Queue) allowDispatch(ctx context.Context, id string) bool {
	if q.limiter == nil {
		return true
	}

	allowed, err := q.limiter.Allow(ctx, dispatchLimitKey)
	if err != nil {
		q.logger.Warn("dispatch rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		q.pushBack(ctx, id, q.config.PollInterval)
		return false
	}
	return true
}

// pushBack returns a claimed job to the scheduled set.
func (q *Queue) pushBack(ctx context.Context, id string, delay time.Duration) {
	pipe := q.client.rdb.Pipeline()
	pipe.ZRem(ctx, processingKey, id)
	pipe.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("push back failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (q *Queue) process(ctx context.Context, id string, handler Handler) {
	job, err := q.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Orphan member; the record aged out. Drop it.
			q.client.rdb.ZRem(ctx, processingKey, id)
			return
		}
		// Leave the lease in place; reclaim retries after it expires.
		q.logger.Error("failed to load claimed job", zap.String("job_id", id), zap.Error(err))
		return
	}

	job.Attempt++
	job.Status = StatusActive
	if err := q.saveJob(ctx, job, redis.KeepTTL); err != nil {
		q.logger.Error("failed to mark job active", zap.String("job_id", id), zap.Error(err))
	}

	if err := handler(ctx, job); err != nil {
		q.logger.Error("job handler failed",
			zap.String("job_id", id),
			zap.String("kind", job.Kind),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		q.retryOrBury(ctx, job)
		return
	}

	q.complete(ctx, job)
}

func (q *Queue) complete(ctx context.Context, job *Job) {
	job.Status = StatusCompleted
	if err := q.saveJob(ctx, job, q.config.CompletedRetention); err != nil {
		q.logger.Error("failed to mark job completed", zap.String("job_id", job.ID), zap.Error(err))
	}
	q.client.rdb.ZRem(ctx, processingKey, job.ID)

	metrics.RecordJobProcessed(job.Kind, "completed")
	q.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempt),
	)
}

func (q *Queue) retryOrBury(ctx context.Context, job *Job) {
	if job.Attempt >= job.MaxAttempts {
		job.Status = StatusDead
		if err := q.saveJob(ctx, job, q.config.DeadRetention); err != nil {
			q.logger.Error("failed to mark job dead", zap.String("job_id", job.ID), zap.Error(err))
		}
		q.client.rdb.ZRem(ctx, processingKey, job.ID)

		metrics.RecordJobProcessed(job.Kind, "dead")
		q.logger.Warn("job dead after max attempts",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", job.Attempt),
		)
		return
	}

	delay := q.backoff(job.Attempt)
	job.Status = StatusScheduled
	job.FireAt = q.now().UTC().Add(delay)
	if err := q.saveJob(ctx, job, redis.KeepTTL); err != nil {
		q.logger.Error("failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
	}
	q.pushBack(ctx, job.ID, delay)

	metrics.RecordJobProcessed(job.Kind, "retried")
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
	)
}

// backoff doubles per attempt from the configured base, capped.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.config.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}
