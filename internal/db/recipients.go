package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/notify"
)

// EligibleRecipient is the projection the worker needs at fire time:
// who to push to and with which token.
type EligibleRecipient struct {
	ID        uuid.UUID
	PushToken string
}

// RecipientRepo reads push targets and clears tokens the gateway
// reports permanently invalid.
type RecipientRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewRecipientRepo creates a new recipient repository
func NewRecipientRepo(db *DB, logger *zap.Logger) *RecipientRepo {
	return &RecipientRepo{
		db:     db,
		logger: logger,
	}
}

// ListEligible resolves the recipient set for one (concert, kind,
// offset) in a single query: interested in the concert, holding a
// valid token, in an active account state, and either without a
// preference row (opt-in by default) or with the offset explicitly
// listed in it. No per-recipient round trips.
func (r *RecipientRepo) ListEligible(ctx context.Context, concertID uuid.UUID, kind notify.Kind, offsetMinutes int) ([]EligibleRecipient, error) {
	query := `
		SELECT rc.id, rc.push_token
		FROM recipients rc
		JOIN concert_interests ci
		  ON ci.recipient_id = rc.id AND ci.concert_id = $1
		LEFT JOIN notification_prefs p
		  ON p.recipient_id = rc.id AND p.kind = $2
		WHERE rc.push_token IS NOT NULL
		  AND rc.push_token <> ''
		  AND rc.status = 'active'
		  AND (p.recipient_id IS NULL OR $3 = ANY(p.offsets))
	`

	rows, err := r.db.Pool().Query(ctx, query, concertID, string(kind), offsetMinutes)
	if err != nil {
		return nil, fmt.Errorf("query eligible recipients: %w", err)
	}
	defer rows.Close()

	var recipients []EligibleRecipient
	for rows.Next() {
		var er EligibleRecipient
		if err := rows.Scan(&er.ID, &er.PushToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, er)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// ListActiveWithToken returns every pushable recipient, used for
// broadcast intents that are not bound to a concert.
func (r *RecipientRepo) ListActiveWithToken(ctx context.Context) ([]EligibleRecipient, error) {
	query := `
		SELECT id, push_token
		FROM recipients
		WHERE push_token IS NOT NULL AND push_token <> '' AND status = 'active'
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var recipients []EligibleRecipient
	for rows.Next() {
		var er EligibleRecipient
		if err := rows.Scan(&er.ID, &er.PushToken); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, er)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// GetRecipient retrieves a recipient by ID.
func (r *RecipientRepo) GetRecipient(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	query := `SELECT id, push_token, status FROM recipients WHERE id = $1`

	var rc Recipient
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&rc.ID, &rc.PushToken, &rc.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recipient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query recipient: %w", err)
	}

	return &rc, nil
}

// ClearPushTokens removes the given tokens from whichever recipients
// hold them, in one statement. Returns the number of rows touched.
func (r *RecipientRepo) ClearPushTokens(ctx context.Context, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}

	query := `
		UPDATE recipients
		SET push_token = NULL
		WHERE push_token = ANY($1)
	`

	result, err := r.db.Pool().Exec(ctx, query, tokens)
	if err != nil {
		r.logger.Error("failed to clear push tokens",
			zap.Error(err),
			zap.Int("tokens", len(tokens)),
		)
		return 0, fmt.Errorf("clear push tokens: %w", err)
	}

	cleared := result.RowsAffected()
	r.logger.Info("cleared invalid push tokens",
		zap.Int("reported", len(tokens)),
		zap.Int64("cleared", cleared),
	)

	return cleared, nil
}
