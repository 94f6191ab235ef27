package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/encorehq/stagebell/internal/notify"
)

// Concert is the domain event notifications hang off. The pipeline only
// reads concerts; their CRUD lives elsewhere.
type Concert struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Venue        string    `json:"venue"`
	TicketOpenAt time.Time `json:"ticket_open_at"`
	StartsAt     time.Time `json:"starts_at"`
}

// Recipient is a push-notification target. The pipeline reads
// recipients and clears tokens the gateway reports permanently invalid.
type Recipient struct {
	ID        uuid.UUID `json:"id"`
	PushToken *string   `json:"push_token,omitempty"`
	Status    string    `json:"status"`
}

// Recipient status constants.
const (
	RecipientActive    = "active"
	RecipientSuspended = "suspended"
	RecipientDeleted   = "deleted"
)

// ScheduledIntent is the durable record of one notification that is
// supposed to fire at a specific instant, independent of whether a
// queue job currently exists for it. Recovery reconciles pending
// intents against the live queue after an outage.
type ScheduledIntent struct {
	ID            uuid.UUID       `json:"id"`
	RecipientID   *uuid.UUID      `json:"recipient_id,omitempty"` // nil: broadcast, resolved at fire time
	ConcertID     *uuid.UUID      `json:"concert_id,omitempty"`
	Title         string          `json:"title"`
	Body          string          `json:"body"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FireAt        time.Time       `json:"fire_at"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Intent status constants. Transitions only leave pending; sent,
// failed and cancelled are terminal.
const (
	IntentPending   = "pending"
	IntentSent      = "sent"
	IntentFailed    = "failed"
	IntentCancelled = "cancelled"
)

// HistoryEntry is one successfully delivered notification, kept per
// recipient with a differential time-to-live: a long window while
// unread, shortened once read. The windows are configured on
// HistoryRepo.
type HistoryEntry struct {
	ID            uuid.UUID   `json:"id"`
	RecipientID   uuid.UUID   `json:"recipient_id"`
	ConcertID     *uuid.UUID  `json:"concert_id,omitempty"`
	Title         string      `json:"title"`
	Body          string      `json:"body"`
	Kind          notify.Kind `json:"kind"`
	OffsetMinutes int         `json:"offset_minutes"`
	Read          bool        `json:"read"`
	ReadAt        *time.Time  `json:"read_at,omitempty"`
	SentAt        time.Time   `json:"sent_at"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
}
