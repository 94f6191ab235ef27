package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// HistoryRepo is the append-only record of notifications actually
// delivered. Rows carry an expiry instant recomputed on read-state
// changes (created_at + ttlRead once read, created_at + ttlUnread
// while unread, 30d/90d by default); a background sweep deletes rows
// past it.
type HistoryRepo struct {
	db        *DB
	ttlRead   time.Duration
	ttlUnread time.Duration
	logger    *zap.Logger
}

// NewHistoryRepo creates a new history repository with the given
// retention windows.
func NewHistoryRepo(db *DB, ttlRead, ttlUnread time.Duration, logger *zap.Logger) *HistoryRepo {
	if ttlRead == 0 {
		ttlRead = 30 * 24 * time.Hour
	}
	if ttlUnread == 0 {
		ttlUnread = 90 * 24 * time.Hour
	}
	return &HistoryRepo{
		db:        db,
		ttlRead:   ttlRead,
		ttlUnread: ttlUnread,
		logger:    logger,
	}
}

// InsertBatch appends entries for one job's successful deliveries in a
// single round trip. IDs, created_at and expires_at are filled in here.
func (r *HistoryRepo) InsertBatch(ctx context.Context, entries []*HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		e.CreatedAt = now
		e.ExpiresAt = now.Add(r.ttlUnread)
		batch.Queue(`
			INSERT INTO delivery_history (
				id, recipient_id, concert_id, title, body, kind,
				offset_minutes, read, sent_at, created_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10)
		`,
			e.ID, e.RecipientID, e.ConcertID, e.Title, e.Body,
			string(e.Kind), e.OffsetMinutes, e.SentAt, e.CreatedAt, e.ExpiresAt,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert history batch: %w", err)
		}
	}

	r.logger.Debug("history entries appended", zap.Int("count", len(entries)))

	return nil
}

// ListByRecipient returns a recipient's history, newest first, with
// optional unread filtering.
func (r *HistoryRepo) ListByRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit, offset int) ([]*HistoryEntry, error) {
	query := `
		SELECT
			id, recipient_id, concert_id, title, body, kind,
			offset_minutes, read, read_at, sent_at, created_at, expires_at
		FROM delivery_history
		WHERE recipient_id = $1 AND ($2::bool = FALSE OR read = FALSE)
		ORDER BY sent_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		err := rows.Scan(
			&e.ID,
			&e.RecipientID,
			&e.ConcertID,
			&e.Title,
			&e.Body,
			&e.Kind,
			&e.OffsetMinutes,
			&e.Read,
			&e.ReadAt,
			&e.SentAt,
			&e.CreatedAt,
			&e.ExpiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// UnreadCount returns how many unread entries a recipient has. Used as
// the push badge value.
func (r *HistoryRepo) UnreadCount(ctx context.Context, recipientID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_history WHERE recipient_id = $1 AND read = FALSE`,
		recipientID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// UnreadCounts returns unread counts for many recipients in one query.
// Recipients with no unread entries are absent from the map.
func (r *HistoryRepo) UnreadCounts(ctx context.Context, recipientIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(recipientIDs))
	if len(recipientIDs) == 0 {
		return counts, nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT recipient_id, COUNT(*)
		FROM delivery_history
		WHERE recipient_id = ANY($1) AND read = FALSE
		GROUP BY recipient_id
	`, recipientIDs)
	if err != nil {
		return nil, fmt.Errorf("query unread counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[id] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return counts, nil
}

// markReadSet is shared by the MarkRead variants: flip unread rows to
// read and shorten their expiry to created_at + the read TTL. Already
// read rows keep their original read_at and expiry.
const markReadSet = `
	SET read = TRUE,
	    read_at = NOW(),
	    expires_at = created_at + $1::interval
	WHERE read = FALSE
`

func (r *HistoryRepo) readTTLInterval() string {
	return fmt.Sprintf("%d hours", int(r.ttlRead.Hours()))
}

// MarkRead marks one entry read, scoped to the owning recipient.
func (r *HistoryRepo) MarkRead(ctx context.Context, recipientID, entryID uuid.UUID) (int64, error) {
	query := `UPDATE delivery_history ` + markReadSet + ` AND recipient_id = $2 AND id = $3`

	result, err := r.db.Pool().Exec(ctx, query, r.readTTLInterval(), recipientID, entryID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkManyRead marks the given entries read in one statement.
func (r *HistoryRepo) MarkManyRead(ctx context.Context, recipientID uuid.UUID, entryIDs []uuid.UUID) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}

	query := `UPDATE delivery_history ` + markReadSet + ` AND recipient_id = $2 AND id = ANY($3)`

	result, err := r.db.Pool().Exec(ctx, query, r.readTTLInterval(), recipientID, entryIDs)
	if err != nil {
		return 0, fmt.Errorf("mark many read: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkAllRead marks every unread entry of a recipient read.
func (r *HistoryRepo) MarkAllRead(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	query := `UPDATE delivery_history ` + markReadSet + ` AND recipient_id = $2`

	result, err := r.db.Pool().Exec(ctx, query, r.readTTLInterval(), recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpired removes entries whose expiry has passed. Returns the
// number of rows pruned.
func (r *HistoryRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM delivery_history WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired history: %w", err)
	}
	return result.RowsAffected(), nil
}

// RunExpirySweep deletes expired entries on a fixed cadence until the
// context is cancelled. The TTL-index equivalent for the history table.
func (r *HistoryRepo) RunExpirySweep(ctx context.Context, interval time.Duration, pruned func(int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("history expiry sweep stopping")
			return
		case <-ticker.C:
			n, err := r.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				r.logger.Error("history expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("expired history entries pruned", zap.Int64("count", n))
				if pruned != nil {
					pruned(n)
				}
			}
		}
	}
}
