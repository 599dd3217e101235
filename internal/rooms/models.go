package rooms

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason is why a room ended. It is also the history outcome.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonBalanceExhausted EndReason = "balance-exhausted"
	ReasonDisconnected     EndReason = "disconnected"
	ReasonAdminTerminated  EndReason = "admin-terminated"
	ReasonServerShutdown   EndReason = "server-shutdown"
)

// Room is a snapshot of one live or finished call room. The room id is
// generated by the server; AttemptID is the accepted call attempt it came from.
type Room struct {
	ID        string `json:"id"`
	AttemptID string `json:"attempt_id"`
	LearnerID string `json:"learner_id"`
	TeacherID string `json:"teacher_id"`
	PackageID string `json:"package_id,omitempty"`

	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedMinutes int       `json:"elapsed_minutes"`

	LearnerJoined bool `json:"learner_joined"`
	TeacherJoined bool `json:"teacher_joined"`

	EndReason EndReason  `json:"end_reason,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Participant reports whether userID is a member of r.
func (r Room) Participant(userID string) bool {
	return userID != "" && (userID == r.LearnerID || userID == r.TeacherID)
}

// Other returns the member that is not userID.
func (r Room) Other(userID string) string {
	if userID == r.LearnerID {
		return r.TeacherID
	}
	return r.LearnerID
}

// CreateRequest carries an accepted call attempt into a room.
type CreateRequest struct {
	AttemptID string
	LearnerID string
	TeacherID string
	PackageID string
}

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomEnded      = errors.New("room ended")
	ErrRoomExists     = errors.New("room already exists")
	ErrTeacherBusy    = errors.New("teacher already in a room")
	ErrLearnerBusy    = errors.New("learner already in a room")
	ErrNotParticipant = errors.New("not a room participant")
	ErrInvalidRequest = errors.New("invalid room request")
)
