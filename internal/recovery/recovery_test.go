package recovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/queue"
)

type mockIntentStore struct {
	future []*db.ScheduledIntent
	stale  []*db.ScheduledIntent

	failedIDs   []uuid.UUID
	failReasons []string
}

func (m *mockIntentStore) ListPendingFiringAfter(ctx context.Context, t time.Time) ([]*db.ScheduledIntent, error) {
	return m.future, nil
}

func (m *mockIntentStore) ListPendingFiringBefore(ctx context.Context, t time.Time) ([]*db.ScheduledIntent, error) {
	return m.stale, nil
}

func (m *mockIntentStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	m.failedIDs = append(m.failedIDs, id)
	m.failReasons = append(m.failReasons, reason)
	return nil
}

type mockJobQueue struct {
	existing map[string]bool

	addedIDs    []string
	addedDelays []time.Duration
}

func (m *mockJobQueue) Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	if m.existing[id] {
		return fmt.Errorf("job %s: %w", id, queue.ErrDuplicateJob)
	}
	m.addedIDs = append(m.addedIDs, id)
	m.addedDelays = append(m.addedDelays, delay)
	return nil
}

func (m *mockJobQueue) GetByID(ctx context.Context, id string) (*queue.Job, error) {
	if m.existing[id] {
		return &queue.Job{ID: id, Status: queue.StatusScheduled}, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
}

func pendingIntent(fireAt, createdAt time.Time) *db.ScheduledIntent {
	return &db.ScheduledIntent{
		ID:        uuid.New(),
		Title:     "Setlist posted",
		FireAt:    fireAt,
		Status:    db.IntentPending,
		CreatedAt: createdAt,
	}
}

func testService(intents *mockIntentStore, jobs JobQueue, now time.Time) *Service {
	s := New(intents, jobs, Config{
		Grace:    5 * time.Minute,
		MaxStale: 24 * time.Hour,
	}, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func TestRecovery_RecreatesMissingFutureJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := pendingIntent(now.Add(3*time.Hour), now.Add(-time.Hour))

	intents := &mockIntentStore{future: []*db.ScheduledIntent{intent}}
	jobs := &mockJobQueue{}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(jobs.addedIDs) != 1 || jobs.addedIDs[0] != intent.ID.String() {
		t.Fatalf("expected job recreated for intent, got %v", jobs.addedIDs)
	}
	// The new job fires at the intent's original fire time
	if jobs.addedDelays[0] != 3*time.Hour {
		t.Errorf("expected delay 3h, got %v", jobs.addedDelays[0])
	}
	if len(intents.failedIDs) != 0 {
		t.Errorf("future intents must not be failed, got %v", intents.failedIDs)
	}
}

func TestRecovery_LeavesFutureJobsAlreadyPresent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := pendingIntent(now.Add(3*time.Hour), now.Add(-time.Hour))

	intents := &mockIntentStore{future: []*db.ScheduledIntent{intent}}
	jobs := &mockJobQueue{existing: map[string]bool{intent.ID.String(): true}}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(jobs.addedIDs) != 0 {
		t.Errorf("no job should be added when one exists, got %v", jobs.addedIDs)
	}
}

func TestRecovery_RefiresStaleIntentImmediately(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Fired 10 minutes ago, created 2 hours ago: young enough to re-fire
	intent := pendingIntent(now.Add(-10*time.Minute), now.Add(-2*time.Hour))

	intents := &mockIntentStore{stale: []*db.ScheduledIntent{intent}}
	jobs := &mockJobQueue{}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(jobs.addedIDs) != 1 {
		t.Fatalf("expected stale intent re-fired, got %v", jobs.addedIDs)
	}
	if jobs.addedDelays[0] != 0 {
		t.Errorf("re-fire must be immediate, got delay %v", jobs.addedDelays[0])
	}
	if len(intents.failedIDs) != 0 {
		t.Errorf("young stale intent must not be failed, got %v", intents.failedIDs)
	}
}

func TestRecovery_BuriesTooOldIntent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Fired 10 minutes ago but created 30 hours ago: past the recovery bound
	intent := pendingIntent(now.Add(-10*time.Minute), now.Add(-30*time.Hour))

	intents := &mockIntentStore{stale: []*db.ScheduledIntent{intent}}
	jobs := &mockJobQueue{}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(jobs.addedIDs) != 0 {
		t.Errorf("too-old intent must not be re-fired, got %v", jobs.addedIDs)
	}
	if len(intents.failedIDs) != 1 || intents.failedIDs[0] != intent.ID {
		t.Fatalf("expected intent marked failed, got %v", intents.failedIDs)
	}
	if intents.failReasons[0] != "job lost, too old to recover" {
		t.Errorf("unexpected failure reason %q", intents.failReasons[0])
	}
}

func TestRecovery_LeavesStaleIntentWithLiveJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := pendingIntent(now.Add(-10*time.Minute), now.Add(-2*time.Hour))

	intents := &mockIntentStore{stale: []*db.ScheduledIntent{intent}}
	jobs := &mockJobQueue{existing: map[string]bool{intent.ID.String(): true}}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	// The job may be mid-processing; recovery must not duplicate it
	if len(jobs.addedIDs) != 0 {
		t.Errorf("expected no re-fire while a job exists, got %v", jobs.addedIDs)
	}
	if len(intents.failedIDs) != 0 {
		t.Errorf("expected no failure while a job exists, got %v", intents.failedIDs)
	}
}

func TestRecovery_DuplicateOnRecreateIsBenign(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	intent := pendingIntent(now.Add(3*time.Hour), now.Add(-time.Hour))

	intents := &mockIntentStore{future: []*db.ScheduledIntent{intent}}

	// GetByID misses but Add collides: another process recovered the
	// intent between the two calls.
	jobs := &racedJobQueue{dupID: intent.ID.String()}

	if err := testService(intents, jobs, now).Run(context.Background()); err != nil {
		t.Fatalf("a lost duplicate race must not fail recovery: %v", err)
	}
	if len(intents.failedIDs) != 0 {
		t.Errorf("raced intent must not be failed, got %v", intents.failedIDs)
	}
}

type racedJobQueue struct {
	dupID string
}

func (m *racedJobQueue) Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	if id == m.dupID {
		return fmt.Errorf("job %s: %w", id, queue.ErrDuplicateJob)
	}
	return nil
}

func (m *racedJobQueue) GetByID(ctx context.Context, id string) (*queue.Job, error) {
	return nil, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
}
