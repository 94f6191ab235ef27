// Package worker consumes delayed jobs and performs the actual
// notification delivery: recipient resolution at fire time, batched
// gateway calls, history persistence and invalid-token cleanup.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/db"
	"github.com/encorehq/stagebell/internal/metrics"
	"github.com/encorehq/stagebell/internal/notify"
	"github.com/encorehq/stagebell/internal/push"
	"github.com/encorehq/stagebell/internal/queue"
)

// ConcertStore resolves concerts at fire time.
type ConcertStore interface {
	GetConcert(ctx context.Context, id uuid.UUID) (*db.Concert, error)
}

// RecipientStore resolves eligible recipients and clears dead tokens.
type RecipientStore interface {
	ListEligible(ctx context.Context, concertID uuid.UUID, kind notify.Kind, offsetMinutes int) ([]db.EligibleRecipient, error)
	ListActiveWithToken(ctx context.Context) ([]db.EligibleRecipient, error)
	GetRecipient(ctx context.Context, id uuid.UUID) (*db.Recipient, error)
	ClearPushTokens(ctx context.Context, tokens []string) (int64, error)
}

// IntentStore finalizes intents backing directly-addressed jobs.
type IntentStore interface {
	GetIntent(ctx context.Context, id uuid.UUID) (*db.ScheduledIntent, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// HistoryStore records successful deliveries and supplies badge counts.
type HistoryStore interface {
	InsertBatch(ctx context.Context, entries []*db.HistoryEntry) error
	UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error)
	UnreadCounts(ctx context.Context, recipientIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

// Config tunes delivery behavior.
type Config struct {
	// BatchSize is the gateway's maximum batch size.
	BatchSize int

	// BadgeEnabled switches delivery to per-recipient mode so each push
	// can carry the recipient's unread count. Off, delivery degrades to
	// pure batches.
	BadgeEnabled bool
}

// Worker turns one claimed job into pushes. Handler errors propagate
// to the queue's retry/backoff; domain absences (concert deleted,
// intent finalized, empty audience) complete the job as a no-op.
type Worker struct {
	concerts   ConcertStore
	recipients RecipientStore
	intents    IntentStore
	history    HistoryStore
	gateway    push.Gateway
	config     Config
	logger     *zap.Logger
}

// New creates a worker.
func New(concerts ConcertStore, recipients RecipientStore, intents IntentStore, history HistoryStore, gateway push.Gateway, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}

	return &Worker{
		concerts:   concerts,
		recipients: recipients,
		intents:    intents,
		history:    history,
		gateway:    gateway,
		config:     cfg,
		logger:     logger,
	}
}

// Handle is the queue.Handler entry point.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case notify.JobKindEvent:
		return w.handleEvent(ctx, job)
	case notify.JobKindDirect:
		return w.handleDirect(ctx, job)
	default:
		// Unknown kinds never become processable by retrying.
		w.logger.Error("unknown job kind, discarding",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
		)
		return nil
	}
}

func (w *Worker) handleEvent(ctx context.Context, job *queue.Job) error {
	var payload notify.EventJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed event job payload, discarding",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return nil
	}

	concertID, err := uuid.Parse(payload.ConcertID)
	if err != nil {
		w.logger.Error("invalid concert id in job payload, discarding",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return nil
	}

	concert, err := w.concerts.GetConcert(ctx, concertID)
	if errors.Is(err, db.ErrNotFound) {
		// Concert deleted after scheduling; nothing to announce.
		w.logger.Info("concert gone, discarding job",
			zap.String("job_id", job.ID),
			zap.String("concert_id", payload.ConcertID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve concert: %w", err)
	}

	// Audience is resolved at fire time, never at schedule time.
	recipients, err := w.recipients.ListEligible(ctx, concertID, payload.Kind, payload.OffsetMinutes)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		w.logger.Info("no eligible recipients, discarding job",
			zap.String("job_id", job.ID),
			zap.String("concert_id", payload.ConcertID),
		)
		return nil
	}

	typ := notify.Type{Kind: payload.Kind, OffsetMinutes: payload.OffsetMinutes}
	title, body := notify.DisplayText(typ, concert.Title)
	msg := push.Message{
		Title: title,
		Body:  body,
		Data: map[string]string{
			"concert_id":     payload.ConcertID,
			"kind":           string(payload.Kind),
			"offset_minutes": strconv.Itoa(payload.OffsetMinutes),
			"trigger_at":     payload.TriggerAt.UTC().Format(time.RFC3339),
		},
	}

	outcome, err := w.deliver(ctx, recipients, msg, typ, &concertID)
	if err != nil {
		return err
	}

	w.logger.Info("event job delivered",
		zap.String("job_id", job.ID),
		zap.String("concert_id", payload.ConcertID),
		zap.String("type", typ.String()),
		zap.Int("delivered", outcome.delivered),
		zap.Int("invalid_tokens", outcome.invalid),
	)

	return nil
}

func (w *Worker) handleDirect(ctx context.Context, job *queue.Job) error {
	var payload notify.DirectJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("malformed direct job payload, discarding",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return nil
	}

	intentID, err := uuid.Parse(payload.IntentID)
	if err != nil {
		w.logger.Error("invalid intent id in job payload, discarding",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return nil
	}

	intent, err := w.intents.GetIntent(ctx, intentID)
	if errors.Is(err, db.ErrNotFound) {
		w.logger.Info("intent gone, discarding job", zap.String("job_id", job.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve intent: %w", err)
	}

	// Another path may have finalized the intent after its job was
	// enqueued (administrative cancellation, a parallel worker). Any
	// non-pending status means this job has nothing left to do.
	if intent.Status != db.IntentPending {
		w.logger.Info("intent already finalized, discarding job",
			zap.String("job_id", job.ID),
			zap.String("status", intent.Status),
		)
		return nil
	}

	if intent.RecipientID != nil {
		return w.deliverDirectSingle(ctx, intent)
	}
	return w.deliverDirectBroadcast(ctx, intent)
}

func (w *Worker) deliverDirectSingle(ctx context.Context, intent *db.ScheduledIntent) error {
	recipient, err := w.recipients.GetRecipient(ctx, *intent.RecipientID)
	if errors.Is(err, db.ErrNotFound) {
		return w.failIntent(ctx, intent.ID, "recipient no longer exists")
	}
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	if recipient.Status != db.RecipientActive {
		return w.failIntent(ctx, intent.ID, "recipient not active")
	}
	if recipient.PushToken == nil || *recipient.PushToken == "" {
		return w.failIntent(ctx, intent.ID, "recipient has no push token")
	}

	msg := push.Message{
		Title: intent.Title,
		Body:  intent.Body,
		Data:  intentData(intent),
	}
	if w.config.BadgeEnabled {
		unread, err := w.history.UnreadCount(ctx, recipient.ID)
		if err != nil {
			return fmt.Errorf("badge count: %w", err)
		}
		badge := unread + 1
		msg.Badge = &badge
	}

	delivered, err := w.gateway.SendOne(ctx, *recipient.PushToken, msg)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}

	typ := notify.Type{Kind: notify.KindScheduled}
	if !delivered {
		if _, err := w.recipients.ClearPushTokens(ctx, []string{*recipient.PushToken}); err != nil {
			return fmt.Errorf("clear invalid token: %w", err)
		}
		metrics.RecordInvalidTokensCleared(1)
		metrics.RecordPushesFailed(typ.String(), 1)
		return w.failIntent(ctx, intent.ID, "push token invalid")
	}

	sentAt := time.Now().UTC()
	entry := &db.HistoryEntry{
		RecipientID: recipient.ID,
		ConcertID:   intent.ConcertID,
		Title:       intent.Title,
		Body:        intent.Body,
		Kind:        notify.KindScheduled,
		SentAt:      sentAt,
	}
	if err := w.history.InsertBatch(ctx, []*db.HistoryEntry{entry}); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	metrics.RecordPushesSent(typ.String(), 1)
	return w.finalizeSent(ctx, intent.ID, sentAt)
}

func (w *Worker) deliverDirectBroadcast(ctx context.Context, intent *db.ScheduledIntent) error {
	var recipients []db.EligibleRecipient
	var err error
	if intent.ConcertID != nil {
		recipients, err = w.recipients.ListEligible(ctx, *intent.ConcertID, notify.KindScheduled, 0)
	} else {
		recipients, err = w.recipients.ListActiveWithToken(ctx)
	}
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return w.failIntent(ctx, intent.ID, "no eligible recipients")
	}

	msg := push.Message{
		Title: intent.Title,
		Body:  intent.Body,
		Data:  intentData(intent),
	}

	typ := notify.Type{Kind: notify.KindScheduled}
	if _, err := w.deliver(ctx, recipients, msg, typ, intent.ConcertID); err != nil {
		return err
	}

	return w.finalizeSent(ctx, intent.ID, time.Now().UTC())
}

// failIntent writes a terminal failure. An already-finalized intent is
// not an error here; the other finalizer won.
func (w *Worker) failIntent(ctx context.Context, id uuid.UUID, reason string) error {
	err := w.intents.MarkFailed(ctx, id, reason)
	if err != nil && !errors.Is(err, db.ErrIntentFinalized) {
		return fmt.Errorf("mark intent failed: %w", err)
	}
	w.logger.Warn("intent failed",
		zap.String("intent_id", id.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (w *Worker) finalizeSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	err := w.intents.MarkSent(ctx, id, sentAt)
	if err != nil && !errors.Is(err, db.ErrIntentFinalized) {
		return fmt.Errorf("mark intent sent: %w", err)
	}
	return nil
}

type deliveryOutcome struct {
	delivered int
	invalid   int
}

// deliver fans one message out to the recipient set, in per-recipient
// badge mode or chunked batch mode, then persists history for
// successes and clears tokens reported permanently invalid. Both
// writes happen only after the corresponding delivery calls returned.
func (w *Worker) deliver(ctx context.Context, recipients []db.EligibleRecipient, msg push.Message, typ notify.Type, concertID *uuid.UUID) (*deliveryOutcome, error) {
	byToken := make(map[string]uuid.UUID, len(recipients))
	tokens := make([]string, 0, len(recipients))
	for _, r := range recipients {
		byToken[r.PushToken] = r.ID
		tokens = append(tokens, r.PushToken)
	}

	var deliveredTokens []string
	var invalidTokens []string
	sentAt := time.Now().UTC()

	if w.config.BadgeEnabled {
		ids := make([]uuid.UUID, 0, len(recipients))
		for _, r := range recipients {
			ids = append(ids, r.ID)
		}
		unread, err := w.history.UnreadCounts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("badge counts: %w", err)
		}

		for _, r := range recipients {
			m := msg
			badge := unread[r.ID] + 1
			m.Badge = &badge

			delivered, err := w.gateway.SendOne(ctx, r.PushToken, m)
			if err != nil {
				return nil, fmt.Errorf("send push: %w", err)
			}
			if delivered {
				deliveredTokens = append(deliveredTokens, r.PushToken)
			} else {
				invalidTokens = append(invalidTokens, r.PushToken)
			}
		}
	} else {
		// Sequential batches keep gateway rate limits predictable.
		for _, chunk := range push.Chunk(tokens, w.config.BatchSize) {
			result, err := w.gateway.SendBatch(ctx, chunk, msg)
			if err != nil {
				return nil, fmt.Errorf("send push batch: %w", err)
			}

			invalid := make(map[string]bool, len(result.InvalidTokens))
			for _, t := range result.InvalidTokens {
				invalid[t] = true
				invalidTokens = append(invalidTokens, t)
			}
			for _, t := range chunk {
				if !invalid[t] {
					deliveredTokens = append(deliveredTokens, t)
				}
			}
		}
	}

	entries := make([]*db.HistoryEntry, 0, len(deliveredTokens))
	for _, token := range deliveredTokens {
		entries = append(entries, &db.HistoryEntry{
			RecipientID:   byToken[token],
			ConcertID:     concertID,
			Title:         msg.Title,
			Body:          msg.Body,
			Kind:          typ.Kind,
			OffsetMinutes: typ.OffsetMinutes,
			SentAt:        sentAt,
		})
	}
	if err := w.history.InsertBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	if len(invalidTokens) > 0 {
		cleared, err := w.recipients.ClearPushTokens(ctx, invalidTokens)
		if err != nil {
			return nil, fmt.Errorf("clear invalid tokens: %w", err)
		}
		metrics.RecordInvalidTokensCleared(cleared)
	}

	metrics.RecordPushesSent(typ.String(), len(deliveredTokens))
	metrics.RecordPushesFailed(typ.String(), len(invalidTokens))

	return &deliveryOutcome{
		delivered: len(deliveredTokens),
		invalid:   len(invalidTokens),
	}, nil
}

func intentData(intent *db.ScheduledIntent) map[string]string {
	if len(intent.Payload) == 0 {
		return nil
	}
	var data map[string]string
	if err := json.Unmarshal(intent.Payload, &data); err != nil {
		return nil
	}
	return data
}
