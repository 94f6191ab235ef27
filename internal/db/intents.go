package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrIntentFinalized is returned when a status change targets an intent
// that has already left pending. The pending state is never re-entered.
var ErrIntentFinalized = errors.New("intent already finalized")

// IntentRepo persists ScheduledIntent lifecycle state. It is the source
// of truth the recovery passes reconcile against the live queue.
type IntentRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewIntentRepo creates a new intent repository
func NewIntentRepo(db *DB, logger *zap.Logger) *IntentRepo {
	return &IntentRepo{
		db:     db,
		logger: logger,
	}
}

const intentColumns = `
	id, recipient_id, concert_id, title, body, payload,
	fire_at, status, failure_reason, sent_at, created_at, updated_at
`

func scanIntent(row pgx.Row) (*ScheduledIntent, error) {
	var it ScheduledIntent
	err := row.Scan(
		&it.ID,
		&it.RecipientID,
		&it.ConcertID,
		&it.Title,
		&it.Body,
		&it.Payload,
		&it.FireAt,
		&it.Status,
		&it.FailureReason,
		&it.SentAt,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// CreateIntent inserts a new intent in status pending.
func (r *IntentRepo) CreateIntent(ctx context.Context, it *ScheduledIntent) error {
	query := `
		INSERT INTO scheduled_intents (
			id, recipient_id, concert_id, title, body, payload, fire_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	it.Status = IntentPending
	err := r.db.Pool().QueryRow(ctx, query,
		it.ID,
		it.RecipientID,
		it.ConcertID,
		it.Title,
		it.Body,
		it.Payload,
		it.FireAt,
		it.Status,
	).Scan(&it.CreatedAt, &it.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create intent",
			zap.Error(err),
			zap.String("intent_id", it.ID.String()),
		)
		return fmt.Errorf("insert intent: %w", err)
	}

	r.logger.Info("intent created",
		zap.String("intent_id", it.ID.String()),
		zap.Time("fire_at", it.FireAt),
	)

	return nil
}

// GetIntent retrieves an intent by ID.
func (r *IntentRepo) GetIntent(ctx context.Context, id uuid.UUID) (*ScheduledIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM scheduled_intents WHERE id = $1`

	it, err := scanIntent(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query intent: %w", err)
	}

	return it, nil
}

// MarkSent finalizes a pending intent as sent.
func (r *IntentRepo) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return r.finalize(ctx, id, IntentSent, nil, &sentAt)
}

// MarkFailed finalizes a pending intent as failed with a reason.
func (r *IntentRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.finalize(ctx, id, IntentFailed, &reason, nil)
}

// Cancel finalizes a pending intent as cancelled.
func (r *IntentRepo) Cancel(ctx context.Context, id uuid.UUID) error {
	return r.finalize(ctx, id, IntentCancelled, nil, nil)
}

// finalize moves an intent out of pending. The WHERE clause enforces
// the one-way transition: zero rows means the intent was already
// terminal (or missing).
func (r *IntentRepo) finalize(ctx context.Context, id uuid.UUID, status string, reason *string, sentAt *time.Time) error {
	query := `
		UPDATE scheduled_intents
		SET status = $1, failure_reason = $2, sent_at = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, status, reason, sentAt, id)
	if err != nil {
		r.logger.Error("failed to update intent status",
			zap.Error(err),
			zap.String("intent_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("update intent status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("intent %s -> %s: %w", id, status, ErrIntentFinalized)
	}

	return nil
}

// ListPendingFiringAfter returns pending intents whose fire time is
// strictly after the given instant. Recovery pass A re-arms these.
func (r *IntentRepo) ListPendingFiringAfter(ctx context.Context, t time.Time) ([]*ScheduledIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM scheduled_intents
		WHERE status = 'pending' AND fire_at > $1
		ORDER BY fire_at ASC
	`
	return r.listPending(ctx, query, t)
}

// ListPendingFiringBefore returns pending intents whose fire time is at
// or before the given instant (normally now minus a grace period).
// Recovery pass B decides between immediate re-fire and giving up.
func (r *IntentRepo) ListPendingFiringBefore(ctx context.Context, t time.Time) ([]*ScheduledIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM scheduled_intents
		WHERE status = 'pending' AND fire_at <= $1
		ORDER BY fire_at ASC
	`
	return r.listPending(ctx, query, t)
}

func (r *IntentRepo) listPending(ctx context.Context, query string, t time.Time) ([]*ScheduledIntent, error) {
	rows, err := r.db.Pool().Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("query pending intents: %w", err)
	}
	defer rows.Close()

	var intents []*ScheduledIntent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return intents, nil
}
