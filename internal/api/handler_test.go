package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/notify"
)

type mockHistoryStore struct {
	entries []*db.HistoryEntry
	unread  int

	markedAll  bool
	markedIDs  []uuid.UUID
	lastLimit  int
	lastOffset int
	unreadOnly bool
}

func (m *mockHistoryStore) ListByRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.HistoryEntry, error) {
	m.unreadOnly = unreadOnly
	m.lastLimit = limit
	m.lastOffset = offset
	return m.entries, nil
}

func (m *mockHistoryStore) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	return m.unread, nil
}

func (m *mockHistoryStore) MarkRead(ctx context.Context, recipientID, entryID uuid.UUID) (int64, error) {
	m.markedIDs = append(m.markedIDs, entryID)
	return 1, nil
}

func (m *mockHistoryStore) MarkManyRead(ctx context.Context, recipientID uuid.UUID, entryIDs []uuid.UUID) (int64, error) {
	m.markedIDs = append(m.markedIDs, entryIDs...)
	return int64(len(entryIDs)), nil
}

func (m *mockHistoryStore) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	m.markedAll = true
	return 5, nil
}

type mockIntentStore struct {
	created   []*db.ScheduledIntent
	intents   map[uuid.UUID]*db.ScheduledIntent
	cancelErr error
	cancelled []uuid.UUID
}

func (m *mockIntentStore) CreateIntent(ctx context.Context, it *db.ScheduledIntent) error {
	m.created = append(m.created, it)
	return nil
}

func (m *mockIntentStore) GetIntent(ctx context.Context, id uuid.UUID) (*db.ScheduledIntent, error) {
	it, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, db.ErrNotFound)
	}
	return it, nil
}

func (m *mockIntentStore) Cancel(ctx context.Context, id uuid.UUID) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, id)
	return nil
}

type mockJobQueue struct {
	addedIDs   []string
	addedKinds []string
	addErr     error
}

func (m *mockJobQueue) Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.addedIDs = append(m.addedIDs, id)
	m.addedKinds = append(m.addedKinds, kind)
	return nil
}

func setupRouter(history *mockHistoryStore, intents *mockIntentStore, jobs *mockJobQueue) chi.Router {
	h := NewHandler(zap.NewNop(), history, intents, jobs)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestListHistory(t *testing.T) {
	recipientID := uuid.New()
	history := &mockHistoryStore{entries: []*db.HistoryEntry{
		{ID: uuid.New(), RecipientID: recipientID, Title: "Tickets on sale in 1 hour"},
		{ID: uuid.New(), RecipientID: recipientID, Title: "Starting soon"},
	}}
	r := setupRouter(history, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/recipients/"+recipientID.String()+"/notifications", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if history.lastLimit != 20 || history.lastOffset != 0 {
		t.Errorf("expected default paging 20/0, got %d/%d", history.lastLimit, history.lastOffset)
	}

	var resp struct {
		Notifications []*db.HistoryEntry `json:"notifications"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Notifications) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(resp.Notifications))
	}
}

func TestListHistory_UnreadFilterAndPaging(t *testing.T) {
	recipientID := uuid.New()
	history := &mockHistoryStore{}
	r := setupRouter(history, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/recipients/"+recipientID.String()+"/notifications?unread=true&limit=250&offset=10", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !history.unreadOnly {
		t.Error("expected unread filter applied")
	}
	// Limit is clamped to 100
	if history.lastLimit != 100 || history.lastOffset != 10 {
		t.Errorf("expected paging 100/10, got %d/%d", history.lastLimit, history.lastOffset)
	}
}

func TestListHistory_InvalidRecipientID(t *testing.T) {
	r := setupRouter(&mockHistoryStore{}, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/recipients/not-a-uuid/notifications", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUnreadCount(t *testing.T) {
	recipientID := uuid.New()
	history := &mockHistoryStore{unread: 7}
	r := setupRouter(history, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodGet, "/recipients/"+recipientID.String()+"/notifications/unread-count", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["unread"] != 7 {
		t.Errorf("expected unread 7, got %d", resp["unread"])
	}
}

func TestMarkRead_EmptyBodyMarksAll(t *testing.T) {
	recipientID := uuid.New()
	history := &mockHistoryStore{}
	r := setupRouter(history, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodPost, "/recipients/"+recipientID.String()+"/notifications/read", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !history.markedAll {
		t.Error("empty body should mark all entries read")
	}
}

func TestMarkRead_SpecificIDs(t *testing.T) {
	recipientID := uuid.New()
	id1, id2 := uuid.New(), uuid.New()
	history := &mockHistoryStore{}
	r := setupRouter(history, &mockIntentStore{}, &mockJobQueue{})

	body, _ := json.Marshal(map[string][]string{"ids": {id1.String(), id2.String()}})
	req := httptest.NewRequest(http.MethodPost, "/recipients/"+recipientID.String()+"/notifications/read", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.markedAll {
		t.Error("specific ids should not mark all")
	}
	if len(history.markedIDs) != 2 {
		t.Errorf("expected 2 marked ids, got %v", history.markedIDs)
	}
}

func TestMarkRead_InvalidID(t *testing.T) {
	recipientID := uuid.New()
	r := setupRouter(&mockHistoryStore{}, &mockIntentStore{}, &mockJobQueue{})

	body := []byte(`{"ids":["nope"]}`)
	req := httptest.NewRequest(http.MethodPost, "/recipients/"+recipientID.String()+"/notifications/read", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestScheduleNotification(t *testing.T) {
	intents := &mockIntentStore{}
	jobs := &mockJobQueue{}
	r := setupRouter(&mockHistoryStore{}, intents, jobs)

	recipientID := uuid.New()
	body, _ := json.Marshal(map[string]interface{}{
		"recipient_id": recipientID.String(),
		"title":        "Setlist posted",
		"body":         "Check the updated setlist",
		"fire_at":      time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
	})

	req := httptest.NewRequest(http.MethodPost, "/notifications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(intents.created) != 1 {
		t.Fatalf("expected 1 intent created, got %d", len(intents.created))
	}
	intent := intents.created[0]
	if intent.RecipientID == nil || *intent.RecipientID != recipientID {
		t.Error("intent missing recipient id")
	}

	// The job id is the intent id; recovery depends on that
	if len(jobs.addedIDs) != 1 || jobs.addedIDs[0] != intent.ID.String() {
		t.Errorf("expected job id %s, got %v", intent.ID, jobs.addedIDs)
	}
	if jobs.addedKinds[0] != notify.JobKindDirect {
		t.Errorf("expected direct job, got %s", jobs.addedKinds[0])
	}
}

func TestScheduleNotification_MissingFields(t *testing.T) {
	r := setupRouter(&mockHistoryStore{}, &mockIntentStore{}, &mockJobQueue{})

	body := []byte(`{"title":"no body or fire_at"}`)
	req := httptest.NewRequest(http.MethodPost, "/notifications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestScheduleNotification_EnqueueFailureStillCreated(t *testing.T) {
	intents := &mockIntentStore{}
	jobs := &mockJobQueue{addErr: errors.New("redis down")}
	r := setupRouter(&mockHistoryStore{}, intents, jobs)

	body, _ := json.Marshal(map[string]interface{}{
		"title":   "Season announced",
		"body":    "New dates are live",
		"fire_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})

	req := httptest.NewRequest(http.MethodPost, "/notifications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// The durable intent exists; recovery recreates the job later
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite enqueue failure, got %d", rec.Code)
	}
	if len(intents.created) != 1 {
		t.Errorf("expected intent persisted, got %d", len(intents.created))
	}
}

func TestCancelNotification(t *testing.T) {
	id := uuid.New()
	intents := &mockIntentStore{intents: map[uuid.UUID]*db.ScheduledIntent{
		id: {ID: id, Status: db.IntentPending},
	}}
	r := setupRouter(&mockHistoryStore{}, intents, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodDelete, "/notifications/"+id.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(intents.cancelled) != 1 || intents.cancelled[0] != id {
		t.Errorf("expected intent cancelled, got %v", intents.cancelled)
	}
}

func TestCancelNotification_NotFound(t *testing.T) {
	r := setupRouter(&mockHistoryStore{}, &mockIntentStore{}, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodDelete, "/notifications/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelNotification_AlreadyFinalized(t *testing.T) {
	id := uuid.New()
	intents := &mockIntentStore{
		intents: map[uuid.UUID]*db.ScheduledIntent{
			id: {ID: id, Status: db.IntentSent},
		},
		cancelErr: db.ErrIntentFinalized,
	}
	r := setupRouter(&mockHistoryStore{}, intents, &mockJobQueue{})

	req := httptest.NewRequest(http.MethodDelete, "/notifications/"+id.String(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}
