package calls

import (
	"errors"
	"time"

	"callern/internal/protocol"
)

// Attempt is one learner-initiated request to talk to one teacher, tracked
// from request to a terminal outcome.
//
// Invariant: a learner has at most one non-terminal attempt. An attempt
// reaches exactly one terminal state.
type Attempt struct {
	ID        string `json:"id"`
	LearnerID string `json:"learner_id"`
	TeacherID string `json:"teacher_id"`
	PackageID string `json:"package_id,omitempty"`
	Language  string `json:"language"`

	State State `json:"state"`

	// Code is the reason for Errored and TimedOut attempts.
	Code protocol.Code `json:"code,omitempty"`
	// Reason is the free text carried by reject or cancel.
	Reason string `json:"reason,omitempty"`

	// RoomID is set once the attempt reached RoomActive.
	RoomID string `json:"room_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type State string

const (
	StateRequested  State = "requested"
	StateRinging    State = "ringing"
	StateAccepted   State = "accepted"
	StateRoomActive State = "room_active"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
	StateTimedOut   State = "timed_out"
	StateErrored    State = "errored"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateRoomActive, StateRejected, StateCancelled, StateTimedOut, StateErrored:
		return true
	}
	return false
}

var (
	ErrUnknownAttempt   = errors.New("unknown call attempt")
	ErrDuplicateAttempt = errors.New("duplicate call attempt id")
	ErrCallInProgress   = errors.New("learner already has a call in progress")
	ErrForbidden        = errors.New("not a party of this call attempt")
)
