package signaling

import (
	"context"
	"errors"
	"log/slog"

	"callern/internal/audit"
	"callern/internal/calls"
	"callern/internal/presence"
	"callern/internal/protocol"
	"callern/internal/rooms"
)

// Negotiator is the call state machine as seen from the channel.
type Negotiator interface {
	Request(ctx context.Context, req protocol.CallTeacher) (calls.Attempt, error)
	Accept(ctx context.Context, teacherID string, req protocol.CallAccepted) (calls.Attempt, error)
	Reject(ctx context.Context, teacherID string, req protocol.CallRejected) (calls.Attempt, error)
	Cancel(ctx context.Context, learnerID string, req protocol.CancelCall) (calls.Attempt, error)
}

type RoomService interface {
	Join(ctx context.Context, roomID, userID, role string) error
	Leave(ctx context.Context, roomID, userID string) error
}

// Dispatcher routes one inbound frame to the component that owns it. Payload
// identities must match the channel identity.
type Dispatcher struct {
	calls    Negotiator
	rooms    RoomService
	presence *presence.Registry
	hub      *Hub
	audit    *audit.Service
	log      *slog.Logger
}

func NewDispatcher(hub *Hub, negotiator Negotiator, roomSvc RoomService, reg *presence.Registry, auditSvc *audit.Service, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		calls:    negotiator,
		rooms:    roomSvc,
		presence: reg,
		hub:      hub,
		audit:    auditSvc,
		log:      log.With("component", "dispatcher"),
	}
}

func (d *Dispatcher) Handle(ctx context.Context, c *Client, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		d.reply(c, protocol.NewError(protocol.CodeInvalidMessage, "", "", err.Error()))
		return
	}
	log := c.log.With("type", string(msg.Type))

	switch msg.Type {
	case protocol.TypeCallTeacher:
		var p protocol.CallTeacher
		if !d.bind(c, msg, &p) || !d.requireRole(ctx, c, protocol.RoleLearner, msg.Type) {
			return
		}
		if p.LearnerID != c.userID {
			d.forbid(ctx, c, p.AttemptID, "", msg.Type)
			return
		}
		if _, err := d.calls.Request(ctx, p); err != nil {
			log.Debug("call request refused", "err", err)
		}

	case protocol.TypeCallAccepted:
		var p protocol.CallAccepted
		if !d.bind(c, msg, &p) || !d.requireRole(ctx, c, protocol.RoleTeacher, msg.Type) {
			return
		}
		if _, err := d.calls.Accept(ctx, c.userID, p); err != nil {
			log.Debug("accept refused", "attempt_id", p.AttemptID, "err", err)
		}

	case protocol.TypeCallRejected:
		var p protocol.CallRejected
		if !d.bind(c, msg, &p) || !d.requireRole(ctx, c, protocol.RoleTeacher, msg.Type) {
			return
		}
		if _, err := d.calls.Reject(ctx, c.userID, p); err != nil {
			log.Debug("reject refused", "attempt_id", p.AttemptID, "err", err)
		}

	case protocol.TypeCancelCall:
		var p protocol.CancelCall
		if !d.bind(c, msg, &p) || !d.requireRole(ctx, c, protocol.RoleLearner, msg.Type) {
			return
		}
		if _, err := d.calls.Cancel(ctx, c.userID, p); err != nil {
			log.Debug("cancel refused", "attempt_id", p.AttemptID, "err", err)
		}

	case protocol.TypeJoinRoom:
		var p protocol.JoinRoom
		if !d.bind(c, msg, &p) {
			return
		}
		if p.UserID != c.userID || p.Role != c.role {
			d.forbid(ctx, c, "", p.RoomID, msg.Type)
			return
		}
		if err := d.rooms.Join(ctx, p.RoomID, c.userID, c.role); err != nil {
			d.roomError(ctx, c, p.RoomID, msg.Type, err)
		}

	case protocol.TypeLeaveRoom:
		var p protocol.LeaveRoom
		if !d.bind(c, msg, &p) {
			return
		}
		if err := d.rooms.Leave(ctx, p.RoomID, c.userID); err != nil {
			d.roomError(ctx, c, p.RoomID, msg.Type, err)
		}

	case protocol.TypeSetAvailability:
		var p protocol.SetAvailability
		if !d.bind(c, msg, &p) || !d.requireRole(ctx, c, protocol.RoleTeacher, msg.Type) {
			return
		}
		d.presence.SetAvailability(c.userID, p.Available)

	case protocol.TypeHeartbeat:
		if c.role == protocol.RoleTeacher {
			d.presence.Touch(c.userID)
		}

	case protocol.TypeWatchTeachers:
		d.hub.watch(c.userID)
		d.reply(c, protocol.New(protocol.TypePresenceSnapshot, d.snapshot()))

	case protocol.TypeUnwatchTeachers:
		d.hub.unwatch(c.userID)

	default:
		d.reply(c, protocol.NewError(protocol.CodeInvalidMessage, "", "", "unsupported message type "+string(msg.Type)))
	}
}

func (d *Dispatcher) snapshot() protocol.PresenceSnapshot {
	entries := d.presence.Snapshot()
	out := protocol.PresenceSnapshot{Teachers: make([]protocol.TeacherStatusUpdate, 0, len(entries))}
	for _, e := range entries {
		out.Teachers = append(out.Teachers, protocol.TeacherStatusUpdate{TeacherID: e.TeacherID, Available: e.Reachable()})
	}
	return out
}

func (d *Dispatcher) bind(c *Client, msg protocol.Message, dst any) bool {
	if err := msg.Bind(dst); err != nil {
		d.reply(c, protocol.NewError(protocol.CodeInvalidMessage, "", "", err.Error()))
		return false
	}
	return true
}

func (d *Dispatcher) requireRole(ctx context.Context, c *Client, role string, t protocol.Type) bool {
	if c.role == role {
		return true
	}
	d.forbid(ctx, c, "", "", t)
	return false
}

func (d *Dispatcher) forbid(ctx context.Context, c *Client, attemptID, roomID string, t protocol.Type) {
	c.log.Warn("message refused for identity", "type", string(t))
	d.audit.Record(ctx, c.log, audit.Event{
		Type:        audit.EventTypeStaleMessage,
		ActorUserID: c.userID,
		ActorRole:   c.role,
		AttemptID:   attemptID,
		RoomID:      roomID,
		Message:     "identity mismatch on " + string(t),
	})
	d.reply(c, protocol.NewError(protocol.CodeForbidden, attemptID, roomID, ""))
}

func (d *Dispatcher) roomError(ctx context.Context, c *Client, roomID string, t protocol.Type, err error) {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, rooms.ErrRoomEnded):
		code = protocol.CodeAlreadyTerminal
	case errors.Is(err, rooms.ErrNotParticipant):
		d.forbid(ctx, c, "", roomID, t)
		return
	default:
		c.log.Error("room operation failed", "type", string(t), "room_id", roomID, "err", err)
	}
	d.reply(c, protocol.NewError(code, "", roomID, ""))
}

// reply answers on the channel the message arrived on.
func (d *Dispatcher) reply(c *Client, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err == nil {
		err = c.enqueue(data)
	}
	if err != nil {
		c.log.Debug("reply failed", "type", string(msg.Type), "err", err)
	}
}
