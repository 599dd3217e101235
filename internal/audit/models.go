package audit

import "time"

// Event is an immutable, append-only diagnostic record.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; call flows never block on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is the user whose message or action caused the event.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`

	AttemptID string `json:"attempt_id,omitempty" db:"attempt_id"`
	RoomID    string `json:"room_id,omitempty" db:"room_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	// EventTypeDuplicateAccept is a second accept for an attempt that already has a room.
	EventTypeDuplicateAccept EventType = "duplicate_accept"
	// EventTypeStaleMessage is a message for an attempt or room that is already terminal.
	EventTypeStaleMessage EventType = "stale_message"
	// EventTypeDuplicateCharge is a replayed minute charge.
	EventTypeDuplicateCharge EventType = "duplicate_charge"
	// EventTypeForcedTermination is a room ended by an admin or by shutdown.
	EventTypeForcedTermination EventType = "forced_termination"
	EventTypeAdminAction       EventType = "admin_action"
)
