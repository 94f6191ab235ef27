package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job kind tags stored in the queue envelope. The worker dispatches on
// these, not on the payload shape.
const (
	JobKindEvent  = "event"  // concert-bound fan-out, recipients resolved at fire time
	JobKindDirect = "direct" // backed by a ScheduledIntent, job id = intent id
)

// EventJobID builds the deterministic id for a concert-bound job.
// Re-running the scheduler against an unchanged concert produces the
// same id, so the queue's duplicate-id rejection absorbs the rerun.
func EventJobID(kind Kind, concertID string, triggerAt time.Time, offsetMinutes int) string {
	return fmt.Sprintf("%s-%s-%d-%d", kind, concertID, triggerAt.UnixMilli(), offsetMinutes)
}

// EventJobPayload is the queue payload for concert-bound jobs. It
// carries enough to compose the push without re-deriving the schedule;
// the recipient set is deliberately absent and resolved at fire time.
type EventJobPayload struct {
	ConcertID     string    `json:"concert_id"`
	ConcertTitle  string    `json:"concert_title"`
	Kind          Kind      `json:"kind"`
	TriggerAt     time.Time `json:"trigger_at"`
	OffsetMinutes int       `json:"offset_minutes"`
}

// DirectJobPayload is the queue payload for intent-backed jobs.
type DirectJobPayload struct {
	IntentID string `json:"intent_id"`
}

func (p EventJobPayload) Marshal() ([]byte, error)  { return json.Marshal(p) }
func (p DirectJobPayload) Marshal() ([]byte, error) { return json.Marshal(p) }
