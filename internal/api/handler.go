// Package api exposes the notification pipeline's REST surface: the
// per-recipient delivery history (list, unread count, mark read) and
// administrative scheduling of one-shot notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/notify"
)

// HistoryStore is the history surface the handlers need.
type HistoryStore interface {
	ListByRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.HistoryEntry, error)
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, recipientID, entryID uuid.UUID) (int64, error)
	MarkManyRead(ctx context.Context, recipientID uuid.UUID, entryIDs []uuid.UUID) (int64, error)
	MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error)
}

// IntentStore is the intent surface the handlers need.
type IntentStore interface {
	CreateIntent(ctx context.Context, it *db.ScheduledIntent) error
	GetIntent(ctx context.Context, id uuid.UUID) (*db.ScheduledIntent, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// JobQueue is the enqueue side of the delayed queue.
type JobQueue interface {
	Add(ctx context.Context, id, kind string, payload []byte, delay time.Duration) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	history HistoryStore
	intents IntentStore
	jobs    JobQueue
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, history HistoryStore, intents IntentStore, jobs JobQueue) *Handler {
	return &Handler{
		logger:  logger,
		history: history,
		intents: intents,
		jobs:    jobs,
	}
}

// Routes mounts all handler routes on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/recipients/{recipientID}/notifications", func(r chi.Router) {
		r.Get("/", h.ListHistory)
		r.Get("/unread-count", h.UnreadCount)
		r.Post("/read", h.MarkRead)
	})

	r.Post("/notifications", h.ScheduleNotification)
	r.Delete("/notifications/{id}", h.CancelNotification)
}

// ListHistory returns a recipient's delivery history, newest first.
// Query params: unread=true, limit (default 20, max 100), offset.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.pathUUID(w, r, "recipientID")
	if !ok {
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	entries, err := h.history.ListByRecipient(r.Context(), recipientID, unreadOnly, limit, offset)
	if err != nil {
		h.logger.Error("failed to list history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to list notifications")
		return
	}

	if entries == nil {
		entries = []*db.HistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": entries,
		"limit":         limit,
		"offset":        offset,
	})
}

// UnreadCount returns the recipient's unread notification count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.pathUUID(w, r, "recipientID")
	if !ok {
		return
	}

	count, err := h.history.UnreadCount(r.Context(), recipientID)
	if err != nil {
		h.logger.Error("failed to count unread", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to count unread notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// markReadRequest selects which entries to mark read. An empty request
// body (or empty ids) marks everything.
type markReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkRead marks one, many, or all of a recipient's entries read,
// recomputing each entry's expiry.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.pathUUID(w, r, "recipientID")
	if !ok {
		return
	}

	// An empty body means mark everything.
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}

	var updated int64
	var err error
	if len(req.IDs) == 0 {
		updated, err = h.history.MarkAllRead(r.Context(), recipientID)
	} else {
		ids := make([]uuid.UUID, 0, len(req.IDs))
		for _, raw := range req.IDs {
			id, parseErr := uuid.Parse(raw)
			if parseErr != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_id", "ids must be UUIDs")
				return
			}
			ids = append(ids, id)
		}
		if len(ids) == 1 {
			updated, err = h.history.MarkRead(r.Context(), recipientID, ids[0])
		} else {
			updated, err = h.history.MarkManyRead(r.Context(), recipientID, ids)
		}
	}
	if err != nil {
		h.logger.Error("failed to mark read", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to mark notifications read")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

// scheduleRequest creates a one-shot scheduled notification: addressed
// to one recipient, to a concert's audience, or to everyone.
type scheduleRequest struct {
	RecipientID *string         `json:"recipient_id,omitempty"`
	ConcertID   *string         `json:"concert_id,omitempty"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FireAt      time.Time       `json:"fire_at"`
}

// ScheduleNotification persists an intent and enqueues its job (job id
// = intent id). The intent record is what recovery reconciles if the
// queue loses the job.
func (h *Handler) ScheduleNotification(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}

	if req.Title == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "missing_fields", "title and body are required")
		return
	}
	if req.FireAt.IsZero() {
		h.writeError(w, http.StatusBadRequest, "missing_fields", "fire_at is required")
		return
	}

	intent := &db.ScheduledIntent{
		ID:      uuid.New(),
		Title:   req.Title,
		Body:    req.Body,
		Payload: req.Payload,
		FireAt:  req.FireAt.UTC(),
	}

	if req.RecipientID != nil {
		id, err := uuid.Parse(*req.RecipientID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_recipient", "recipient_id must be a UUID")
			return
		}
		intent.RecipientID = &id
	}
	if req.ConcertID != nil {
		id, err := uuid.Parse(*req.ConcertID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_concert", "concert_id must be a UUID")
			return
		}
		intent.ConcertID = &id
	}

	if err := h.intents.CreateIntent(r.Context(), intent); err != nil {
		h.logger.Error("failed to create intent", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to schedule notification")
		return
	}

	payload, err := notify.DirectJobPayload{IntentID: intent.ID.String()}.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal job payload", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to schedule notification")
		return
	}

	delay := time.Until(intent.FireAt)
	if err := h.jobs.Add(r.Context(), intent.ID.String(), notify.JobKindDirect, payload, delay); err != nil {
		// The intent exists; recovery will recreate the job at next
		// startup even if this enqueue was lost.
		h.logger.Error("failed to enqueue job for intent",
			zap.String("intent_id", intent.ID.String()),
			zap.Error(err),
		)
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"id": intent.ID.String()})
}

// CancelNotification cancels a pending intent. The worker re-checks
// intent status at fire time, so a job already enqueued becomes a
// no-op.
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.intents.GetIntent(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		h.logger.Error("failed to get intent", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel notification")
		return
	}

	if err := h.intents.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrIntentFinalized) {
			h.writeError(w, http.StatusConflict, "already_finalized", "notification already sent, failed, or cancelled")
			return
		}
		h.logger.Error("failed to cancel intent", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel notification")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", param+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
