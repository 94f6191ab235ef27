package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	q := New(client, nil, cfg, zap.NewNop())

	return q, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestQueue_AddAndGetByID(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	if err := q.Add(ctx, "job-1", "event", []byte(`{"a":1}`), 2*time.Hour); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	job, err := q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.ID != "job-1" || job.Kind != "event" {
		t.Errorf("unexpected job identity: %+v", job)
	}
	if job.Status != StatusScheduled {
		t.Errorf("expected status scheduled, got %s", job.Status)
	}
	if !job.FireAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("expected fire at %v, got %v", base.Add(2*time.Hour), job.FireAt)
	}
	if !job.Live() {
		t.Error("scheduled job should be live")
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}
}

func TestQueue_GetByIDNotFound(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	_, err := q.GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestQueue_AddReleasesReservationWhenScheduleFails(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()

	// Occupy the scheduled set with the wrong type so the ZADD after
	// the record reservation fails.
	if err := mr.Set(scheduledKey, "not-a-zset"); err != nil {
		t.Fatalf("failed to seed key: %v", err)
	}

	err := q.Add(ctx, "job-1", "direct", []byte(`{}`), time.Hour)
	if err == nil {
		t.Fatal("expected add to fail")
	}
	if errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}

	// The reservation must not outlive the failed add.
	if _, err := q.GetByID(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected job not found after failed add, got %v", err)
	}

	// Once the infrastructure recovers, the same id enqueues cleanly.
	mr.Del(scheduledKey)
	if err := q.Add(ctx, "job-1", "direct", []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d (err %v)", depth, err)
	}
}

func TestQueue_AddRejectsDuplicateID(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), time.Minute); err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	err := q.Add(ctx, "job-1", "event", []byte(`{"changed":true}`), time.Hour)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}

	// Only one scheduled entry survives
	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("expected depth 1 after duplicate, got %d", depth)
	}
}

func TestQueue_DuplicateGuardOutlivesCompletion(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	handled := 0
	q.process(ctx, "job-1", func(ctx context.Context, job *Job) error {
		handled++
		return nil
	})

	job, err := q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get after completion failed: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if job.Live() {
		t.Error("completed job should not be live")
	}

	// The retained record keeps rejecting the id
	err = q.Add(ctx, "job-1", "event", []byte(`{}`), 0)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob on re-add, got %v", err)
	}
	if handled != 1 {
		t.Errorf("expected 1 invocation, got %d", handled)
	}
}

func TestQueue_DelayedJobNotClaimableUntilDue(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), time.Hour); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	ids, err := q.claimDue(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no due jobs, claimed %v", ids)
	}

	// One second past the fire time the job becomes claimable
	q.now = func() time.Time { return base.Add(time.Hour + time.Second) }

	ids, err = q.claimDue(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected [job-1], got %v", ids)
	}

	// Claimed job is out of the scheduled set
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected depth 0 after claim, got %d", depth)
	}

	// And cannot be claimed twice
	ids, _ = q.claimDue(ctx, 10)
	if len(ids) != 0 {
		t.Errorf("job claimed twice: %v", ids)
	}
}

func TestQueue_FailedJobRetriesWithBackoff(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
	})
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	q.process(ctx, "job-1", func(ctx context.Context, job *Job) error {
		return errors.New("gateway down")
	})

	job, err := q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", job.Attempt)
	}
	if job.Status != StatusScheduled {
		t.Errorf("expected rescheduled, got %s", job.Status)
	}
	if !job.FireAt.Equal(base.Add(30 * time.Second)) {
		t.Errorf("expected retry at %v, got %v", base.Add(30*time.Second), job.FireAt)
	}

	// Back in the scheduled set, not due yet
	ids, _ := q.claimDue(ctx, 10)
	if len(ids) != 0 {
		t.Errorf("retry should not be due immediately, claimed %v", ids)
	}

	q.now = func() time.Time { return base.Add(31 * time.Second) }
	ids, _ = q.claimDue(ctx, 10)
	if len(ids) != 1 {
		t.Errorf("expected retry to be due, got %v", ids)
	}
}

func TestQueue_DeadAfterMaxAttempts(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{MaxAttempts: 2})
	defer cleanup()

	ctx := context.Background()

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	handler := func(ctx context.Context, job *Job) error {
		return errors.New("permanent failure")
	}

	q.process(ctx, "job-1", handler)
	q.process(ctx, "job-1", handler)

	job, err := q.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if job.Status != StatusDead {
		t.Errorf("expected dead, got %s", job.Status)
	}
	if job.Attempt != 2 {
		t.Errorf("expected 2 attempts, got %d", job.Attempt)
	}

	// Nothing left scheduled
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected empty schedule, got depth %d", depth)
	}
}

func TestQueue_ReclaimExpiredLease(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{LeaseTimeout: 5 * time.Minute})
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	ids, err := q.claimDue(ctx, 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("claim failed: ids=%v err=%v", ids, err)
	}

	// Lease still valid: reclaim is a no-op
	if err := q.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	ids, _ = q.claimDue(ctx, 10)
	if len(ids) != 0 {
		t.Fatalf("leased job should not be claimable, got %v", ids)
	}

	// Past the lease deadline the job returns to the scheduled set
	q.now = func() time.Time { return base.Add(6 * time.Minute) }
	if err := q.reclaimExpired(ctx); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}

	ids, _ = q.claimDue(ctx, 10)
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected reclaimed [job-1], got %v", ids)
	}
}

func TestQueue_OrphanedMemberDropped(t *testing.T) {
	q, mr, cleanup := setupTestQueue(t, Config{})
	defer cleanup()

	ctx := context.Background()

	if err := q.Add(ctx, "job-1", "event", []byte(`{}`), 0); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// Simulate the record aging out while the member lingers
	mr.Del(jobKey("job-1"))

	if _, err := q.claimDue(ctx, 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	called := false
	q.process(ctx, "job-1", func(ctx context.Context, job *Job) error {
		called = true
		return nil
	})

	if called {
		t.Error("handler should not run for an orphaned member")
	}
}

func TestQueue_Backoff(t *testing.T) {
	q, _, cleanup := setupTestQueue(t, Config{BackoffBase: 30 * time.Second})
	defer cleanup()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{10, maxBackoff},
	}

	for _, tc := range cases {
		if got := q.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d): expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
