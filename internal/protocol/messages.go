// Package protocol defines the signaling wire format shared by learner and
// teacher clients: a JSON envelope {type, payload} and one payload struct per type.
package protocol

import "encoding/json"

type Type string

// Client and server message types.
const (
	TypeCallTeacher         Type = "call-teacher"          // learner -> server
	TypeIncomingCall        Type = "incoming-call"         // server -> teacher (ring)
	TypeRinging             Type = "ringing"               // server -> learner
	TypeCallAccepted        Type = "call-accepted"         // teacher -> server -> learner
	TypeCallRejected        Type = "call-rejected"         // teacher -> server -> learner
	TypeCancelCall          Type = "cancel-call"           // learner -> server -> teacher
	TypeError               Type = "error"                 // server -> either party
	TypeRoomCreated         Type = "room-created"          // server -> both parties
	TypeJoinRoom            Type = "join-room"             // either party -> server
	TypeParticipantJoined   Type = "participant-joined"    // server -> other party
	TypeRoomTick            Type = "room-tick"             // server -> both parties
	TypeLeaveRoom           Type = "leave-room"            // either party -> server
	TypeBalanceExhausted    Type = "balance-exhausted"     // server -> both parties
	TypeRoomEnded           Type = "room-ended"            // server -> both parties
	TypeSetAvailability     Type = "set-availability"      // teacher -> server
	TypeHeartbeat           Type = "heartbeat"             // either party -> server
	TypeWatchTeachers       Type = "watch-teachers"        // learner -> server
	TypeUnwatchTeachers     Type = "unwatch-teachers"      // learner -> server
	TypePresenceSnapshot    Type = "presence-snapshot"     // server -> learner
	TypeTeacherStatusUpdate Type = "teacher-status-update" // server -> watching learners
)

// Message is the envelope every frame on a signaling channel carries.
type Message struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Roles as they appear on the wire.
const (
	RoleLearner = "learner"
	RoleTeacher = "teacher"
)

type CallTeacher struct {
	AttemptID string `json:"attemptId,omitempty" validate:"omitempty,max=64"`
	TeacherID string `json:"teacherId" validate:"required,max=64"`
	LearnerID string `json:"learnerId" validate:"required,max=64"`
	// PackageID may be empty; the ledger then picks the package expiring soonest.
	PackageID string `json:"packageId,omitempty" validate:"omitempty,max=64"`
	Language  string `json:"language" validate:"required,max=32"`
}

type IncomingCall struct {
	AttemptID          string `json:"attemptId"`
	LearnerID          string `json:"learnerId"`
	Language           string `json:"language"`
	RingTimeoutSeconds int    `json:"ringTimeoutSeconds"`
}

type Ringing struct {
	AttemptID string `json:"attemptId"`
	TeacherID string `json:"teacherId"`
}

type CallAccepted struct {
	AttemptID         string `json:"attemptId" validate:"required,max=64"`
	TeacherChannelRef string `json:"teacherChannelRef,omitempty" validate:"omitempty,max=128"`
	RoomID            string `json:"roomId,omitempty"`
}

type CallRejected struct {
	AttemptID string `json:"attemptId" validate:"required,max=64"`
	Reason    string `json:"reason,omitempty" validate:"omitempty,max=256"`
}

type CancelCall struct {
	AttemptID string `json:"attemptId" validate:"required,max=64"`
	Reason    string `json:"reason,omitempty" validate:"omitempty,max=256"`
}

type Error struct {
	AttemptID string `json:"attemptId,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
	Code      Code   `json:"code"`
	Message   string `json:"message,omitempty"`
}

type RoomCreated struct {
	RoomID    string `json:"roomId"`
	AttemptID string `json:"attemptId"`
	Role      string `json:"role"`
	LearnerID string `json:"learnerId"`
	TeacherID string `json:"teacherId"`
}

type JoinRoom struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
	UserID string `json:"userId" validate:"required,max=64"`
	Role   string `json:"role" validate:"required,oneof=learner teacher"`
}

type ParticipantJoined struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type RoomTick struct {
	RoomID           string `json:"roomId"`
	ElapsedMinutes   int    `json:"elapsedMinutes"`
	RemainingMinutes int    `json:"remainingMinutes"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type BalanceExhausted struct {
	RoomID string `json:"roomId"`
}

type RoomEnded struct {
	RoomID          string `json:"roomId"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"durationMinutes"`
}

type SetAvailability struct {
	Available bool `json:"available"`
}

type TeacherStatusUpdate struct {
	TeacherID string `json:"teacherId"`
	Available bool   `json:"available"`
}

type PresenceSnapshot struct {
	Teachers []TeacherStatusUpdate `json:"teachers"`
}
