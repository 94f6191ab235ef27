package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/notify"
)

// ErrNotFound is returned when a requested row does not exist. Callers
// that treat absence as a no-op (a concert deleted after its jobs were
// enqueued) check for it with errors.Is.
var ErrNotFound = errors.New("not found")

// ConcertRepo reads concerts for the scheduling pipeline.
type ConcertRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewConcertRepo creates a new concert repository
func NewConcertRepo(db *DB, logger *zap.Logger) *ConcertRepo {
	return &ConcertRepo{
		db:     db,
		logger: logger,
	}
}

// triggerColumn maps a notification kind to the concert column holding
// its trigger instant.
func triggerColumn(kind notify.Kind) (string, error) {
	switch kind {
	case notify.KindTicketOpen:
		return "ticket_open_at", nil
	case notify.KindConcertStart:
		return "starts_at", nil
	default:
		return "", fmt.Errorf("kind %q has no trigger column", kind)
	}
}

// ListWithTriggerBetween returns concerts whose trigger instant for the
// given kind falls inside [from, to). The scheduler calls this once per
// kind per run with its lookahead window.
func (r *ConcertRepo) ListWithTriggerBetween(ctx context.Context, kind notify.Kind, from, to time.Time) ([]*Concert, error) {
	col, err := triggerColumn(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, title, venue, ticket_open_at, starts_at
		FROM concerts
		WHERE %s >= $1 AND %s < $2
		ORDER BY %s ASC
	`, col, col, col)

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query concerts: %w", err)
	}
	defer rows.Close()

	var concerts []*Concert
	for rows.Next() {
		var c Concert
		if err := rows.Scan(&c.ID, &c.Title, &c.Venue, &c.TicketOpenAt, &c.StartsAt); err != nil {
			return nil, fmt.Errorf("scan concert: %w", err)
		}
		concerts = append(concerts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return concerts, nil
}

// GetConcert retrieves a concert by ID.
func (r *ConcertRepo) GetConcert(ctx context.Context, id uuid.UUID) (*Concert, error) {
	query := `
		SELECT id, title, venue, ticket_open_at, starts_at
		FROM concerts
		WHERE id = $1
	`

	var c Concert
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Title,
		&c.Venue,
		&c.TicketOpenAt,
		&c.StartsAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("concert %s: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get concert",
			zap.Error(err),
			zap.String("concert_id", id.String()),
		)
		return nil, fmt.Errorf("query concert: %w", err)
	}

	return &c, nil
}

// TriggerAt returns the concert instant anchoring notifications of the
// given kind.
func (c *Concert) TriggerAt(kind notify.Kind) time.Time {
	if kind == notify.KindTicketOpen {
		return c.TicketOpenAt
	}
	return c.StartsAt
}
