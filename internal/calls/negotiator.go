// Package calls runs the call negotiation state machine: one attempt from a
// learner's request through ringing to a room or a terminal failure.
package calls

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callern/internal/audit"
	"callern/internal/config"
	"callern/internal/ledger"
	"callern/internal/protocol"
	"callern/internal/rooms"
	"callern/pkg/logger"
	"callern/pkg/utils"

	"github.com/google/uuid"
)

type Presence interface {
	IsAvailable(teacherID string) bool
}

// Ledger is the slice of the minutes ledger negotiation needs.
type Ledger interface {
	Reserve(ctx context.Context, learnerID, packageID, attemptID string) (ledger.Reservation, error)
	Validate(ctx context.Context, attemptID string) error
	RefundUnusedReservation(ctx context.Context, attemptID string) error
}

type Rooms interface {
	Create(ctx context.Context, req rooms.CreateRequest) (rooms.Room, error)
	ActiveFor(userID string) (rooms.Room, bool)
}

// Notifier delivers a message to a connected user.
type Notifier interface {
	Send(userID string, msg protocol.Message) error
}

// Timer is the handle of a pending ring timeout.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc in production.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Deps struct {
	Presence Presence
	Ledger   Ledger
	Rooms    Rooms
	Notifier Notifier
	Audit    *audit.Service
}

type attempt struct {
	Attempt
	timer Timer
}

// Negotiator owns the table of call attempts.
//
// Every transition of one attempt runs under that attempt's lock and
// re-reads its state, so messages from the two parties may arrive in any
// order. Terminal attempts are kept for the retention window so late
// messages can be answered with already-terminal.
type Negotiator struct {
	presence Presence
	ledger   Ledger
	rooms    Rooms
	notify   Notifier
	audit    *audit.Service
	log      *slog.Logger

	ringTimeout time.Duration
	retention   time.Duration

	// clock and afterFunc are injectable for deterministic tests.
	clock     func() time.Time
	afterFunc AfterFunc

	locks *utils.KeyedMutex

	mu        sync.Mutex
	attempts  map[string]*attempt
	byLearner map[string]string
}

func NewNegotiator(d Deps, cfg config.CallConfig, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{
		presence:    d.Presence,
		ledger:      d.Ledger,
		rooms:       d.Rooms,
		notify:      d.Notifier,
		audit:       d.Audit,
		log:         log.With("component", "calls"),
		ringTimeout: cfg.RingTimeout,
		retention:   cfg.AttemptRetention,
		clock:       time.Now,
		afterFunc:   realAfterFunc,
		locks:       utils.NewKeyedMutex(),
		attempts:    make(map[string]*attempt),
		byLearner:   make(map[string]string),
	}
}

func (n *Negotiator) WithClock(clock func() time.Time) *Negotiator {
	n.clock = clock
	return n
}

func (n *Negotiator) WithAfterFunc(fn AfterFunc) *Negotiator {
	n.afterFunc = fn
	return n
}

func (n *Negotiator) logFor(a *attempt) *slog.Logger {
	return logger.ForCall(n.log, logger.Call{AttemptID: a.ID, LearnerID: a.LearnerID, TeacherID: a.TeacherID})
}

// Request starts an attempt for a learner. Guard failures end the attempt
// Errored and are reported to the learner only; the teacher never hears of it.
// Every outcome is already delivered to the parties when Request returns.
func (n *Negotiator) Request(ctx context.Context, req protocol.CallTeacher) (Attempt, error) {
	id := strings.TrimSpace(req.AttemptID)
	if id == "" {
		id = uuid.NewString()
	}
	now := n.clock().UTC()
	a := &attempt{Attempt: Attempt{
		ID:        id,
		LearnerID: req.LearnerID,
		TeacherID: req.TeacherID,
		PackageID: req.PackageID,
		Language:  req.Language,
		State:     StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}}

	unlock := n.locks.Lock(id)
	defer unlock()

	// A learner already in a room may not ring anyone else.
	if _, busy := n.rooms.ActiveFor(req.LearnerID); busy {
		n.sendError(req.LearnerID, protocol.CodeCallInProgress, id, "")
		return Attempt{}, ErrCallInProgress
	}

	n.mu.Lock()
	n.pruneLocked(now)
	if existing := n.byLearner[req.LearnerID]; existing != "" {
		n.mu.Unlock()
		n.sendError(req.LearnerID, protocol.CodeCallInProgress, id, "")
		return Attempt{}, ErrCallInProgress
	}
	if n.attempts[id] != nil {
		n.mu.Unlock()
		n.sendError(req.LearnerID, protocol.CodeInvalidMessage, id, "attempt id already used")
		return Attempt{}, ErrDuplicateAttempt
	}
	n.attempts[id] = a
	n.byLearner[req.LearnerID] = id
	n.mu.Unlock()

	log := n.logFor(a)
	log.Info("call requested", "language", req.Language, "package_id", req.PackageID)

	if !n.presence.IsAvailable(req.TeacherID) {
		n.finishLocked(ctx, a, StateErrored, protocol.CodeTeacherUnavailable, "", false)
		n.sendError(a.LearnerID, protocol.CodeTeacherUnavailable, id, "")
		return n.snapshot(a), nil
	}

	if _, err := n.ledger.Reserve(ctx, req.LearnerID, req.PackageID, id); err != nil {
		code := ledgerCode(err)
		if code == protocol.CodeInternal {
			log.Error("reserve failed", "err", err)
		}
		n.finishLocked(ctx, a, StateErrored, code, "", false)
		n.sendError(a.LearnerID, code, id, "")
		return n.snapshot(a), nil
	}

	n.setState(a, StateRinging)
	ring := protocol.New(protocol.TypeIncomingCall, protocol.IncomingCall{
		AttemptID:          id,
		LearnerID:          a.LearnerID,
		Language:           a.Language,
		RingTimeoutSeconds: int(n.ringTimeout / time.Second),
	})
	if err := n.notify.Send(a.TeacherID, ring); err != nil {
		log.Warn("ring not delivered", "err", err)
		n.finishLocked(ctx, a, StateErrored, protocol.CodeTeacherUnavailable, "", true)
		n.sendError(a.LearnerID, protocol.CodeTeacherUnavailable, id, "")
		return n.snapshot(a), nil
	}
	n.send(a, a.LearnerID, protocol.New(protocol.TypeRinging, protocol.Ringing{AttemptID: id, TeacherID: a.TeacherID}))

	timer := n.afterFunc(n.ringTimeout, func() { n.timeout(id) })
	n.mu.Lock()
	a.timer = timer
	n.mu.Unlock()

	return n.snapshot(a), nil
}

func ledgerCode(err error) protocol.Code {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrNotFound):
		return protocol.CodeInsufficientBalance
	default:
		return protocol.CodeInternal
	}
}

// Accept honors a teacher's acceptance once. Availability and balance are
// re-validated and the room is created under the attempt lock; if any step
// fails both parties get the reason and nothing is left behind.
func (n *Negotiator) Accept(ctx context.Context, teacherID string, req protocol.CallAccepted) (Attempt, error) {
	unlock := n.locks.Lock(req.AttemptID)
	defer unlock()

	a := n.lookup(req.AttemptID)
	if a == nil {
		n.sendError(teacherID, protocol.CodeNotFound, req.AttemptID, "")
		return Attempt{}, ErrUnknownAttempt
	}
	log := n.logFor(a)
	if a.TeacherID != teacherID {
		n.sendError(teacherID, protocol.CodeForbidden, a.ID, "")
		n.audit.Record(ctx, log, audit.Event{Type: audit.EventTypeStaleMessage, AttemptID: a.ID, ActorUserID: teacherID, ActorRole: protocol.RoleTeacher, Message: "accept from foreign teacher"})
		return Attempt{}, ErrForbidden
	}

	switch state := a.State; {
	case state == StateAccepted || state == StateRoomActive:
		log.Warn("duplicate accept ignored", "state", string(state))
		n.audit.Record(ctx, log, audit.Event{Type: audit.EventTypeDuplicateAccept, AttemptID: a.ID, RoomID: a.RoomID, ActorUserID: teacherID, ActorRole: protocol.RoleTeacher})
		return n.snapshot(a), nil
	case state.Terminal():
		n.sendError(teacherID, protocol.CodeAlreadyTerminal, a.ID, "")
		n.audit.Record(ctx, log, audit.Event{Type: audit.EventTypeStaleMessage, AttemptID: a.ID, ActorUserID: teacherID, ActorRole: protocol.RoleTeacher, Message: "accept after " + string(state)})
		return n.snapshot(a), nil
	}

	n.setState(a, StateAccepted)

	if !n.presence.IsAvailable(a.TeacherID) {
		n.abortAccept(ctx, a, protocol.CodeTeacherUnavailable)
		return n.snapshot(a), nil
	}
	if err := n.ledger.Validate(ctx, a.ID); err != nil {
		if code := ledgerCode(err); code == protocol.CodeInternal {
			log.Error("balance re-validation failed", "err", err)
		}
		n.abortAccept(ctx, a, ledgerCode(err))
		return n.snapshot(a), nil
	}

	room, err := n.rooms.Create(ctx, rooms.CreateRequest{
		AttemptID: a.ID,
		LearnerID: a.LearnerID,
		TeacherID: a.TeacherID,
		PackageID: a.PackageID,
	})
	if err != nil {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, rooms.ErrTeacherBusy):
			code = protocol.CodeTeacherBusy
		case errors.Is(err, rooms.ErrLearnerBusy):
			code = protocol.CodeCallInProgress
		default:
			log.Error("room create failed", "err", err)
		}
		n.abortAccept(ctx, a, code)
		return n.snapshot(a), nil
	}

	n.mu.Lock()
	a.RoomID = room.ID
	n.mu.Unlock()
	n.finishLocked(ctx, a, StateRoomActive, "", "", false)

	n.send(a, a.LearnerID, protocol.New(protocol.TypeCallAccepted, protocol.CallAccepted{
		AttemptID:         a.ID,
		TeacherChannelRef: req.TeacherChannelRef,
		RoomID:            room.ID,
	}))
	for _, p := range []struct{ user, role string }{
		{a.LearnerID, protocol.RoleLearner},
		{a.TeacherID, protocol.RoleTeacher},
	} {
		n.send(a, p.user, protocol.New(protocol.TypeRoomCreated, protocol.RoomCreated{
			RoomID:    room.ID,
			AttemptID: a.ID,
			Role:      p.role,
			LearnerID: a.LearnerID,
			TeacherID: a.TeacherID,
		}))
	}
	return n.snapshot(a), nil
}

func (n *Negotiator) abortAccept(ctx context.Context, a *attempt, code protocol.Code) {
	n.logFor(a).Info("accept discarded", "code", string(code))
	n.finishLocked(ctx, a, StateErrored, code, "", true)
	n.sendError(a.LearnerID, code, a.ID, "")
	n.sendError(a.TeacherID, code, a.ID, "")
}

// Reject ends a ringing attempt on the teacher's behalf. Rejecting a
// terminal attempt is a no-op.
func (n *Negotiator) Reject(ctx context.Context, teacherID string, req protocol.CallRejected) (Attempt, error) {
	unlock := n.locks.Lock(req.AttemptID)
	defer unlock()

	a := n.lookup(req.AttemptID)
	if a == nil {
		return Attempt{}, ErrUnknownAttempt
	}
	if a.TeacherID != teacherID {
		n.sendError(teacherID, protocol.CodeForbidden, a.ID, "")
		return Attempt{}, ErrForbidden
	}
	if !n.finishLocked(ctx, a, StateRejected, "", req.Reason, true) {
		n.logFor(a).Debug("reject ignored", "state", string(a.State))
		return n.snapshot(a), nil
	}
	n.send(a, a.LearnerID, protocol.New(protocol.TypeCallRejected, protocol.CallRejected{AttemptID: a.ID, Reason: req.Reason}))
	return n.snapshot(a), nil
}

// Cancel ends a pending attempt on the learner's behalf. It always succeeds
// locally; telling the teacher is best-effort. Cancelling a terminal attempt
// is a no-op.
func (n *Negotiator) Cancel(ctx context.Context, learnerID string, req protocol.CancelCall) (Attempt, error) {
	unlock := n.locks.Lock(req.AttemptID)
	defer unlock()

	a := n.lookup(req.AttemptID)
	if a == nil {
		return Attempt{}, ErrUnknownAttempt
	}
	if a.LearnerID != learnerID {
		n.sendError(learnerID, protocol.CodeForbidden, a.ID, "")
		return Attempt{}, ErrForbidden
	}
	if !n.finishLocked(ctx, a, StateCancelled, "", req.Reason, true) {
		n.logFor(a).Debug("cancel ignored", "state", string(a.State))
		return n.snapshot(a), nil
	}
	n.send(a, a.TeacherID, protocol.New(protocol.TypeCancelCall, protocol.CancelCall{AttemptID: a.ID, Reason: req.Reason}))
	return n.snapshot(a), nil
}

func (n *Negotiator) timeout(attemptID string) {
	ctx := context.Background()
	unlock := n.locks.Lock(attemptID)
	defer unlock()

	a := n.lookup(attemptID)
	if a == nil || a.State != StateRinging {
		return
	}
	if !n.finishLocked(ctx, a, StateTimedOut, protocol.CodeTimeout, "", true) {
		return
	}
	n.sendError(a.LearnerID, protocol.CodeTimeout, a.ID, "")
	n.send(a, a.TeacherID, protocol.New(protocol.TypeCancelCall, protocol.CancelCall{AttemptID: a.ID, Reason: "timeout"}))
}

// Disconnected settles the pending attempts of a user whose channel is gone
// for good. A learner's attempt is cancelled; a teacher's attempt errors with
// teacher-unavailable.
func (n *Negotiator) Disconnected(ctx context.Context, userID string) {
	n.mu.Lock()
	var ids []string
	for id, a := range n.attempts {
		if !a.State.Terminal() && (a.LearnerID == userID || a.TeacherID == userID) {
			ids = append(ids, id)
		}
	}
	n.mu.Unlock()

	for _, id := range ids {
		n.settleDisconnect(ctx, id, userID)
	}
}

func (n *Negotiator) settleDisconnect(ctx context.Context, attemptID, userID string) {
	unlock := n.locks.Lock(attemptID)
	defer unlock()

	a := n.lookup(attemptID)
	if a == nil {
		return
	}
	if a.LearnerID == userID {
		if n.finishLocked(ctx, a, StateCancelled, "", "disconnected", true) {
			n.send(a, a.TeacherID, protocol.New(protocol.TypeCancelCall, protocol.CancelCall{AttemptID: a.ID, Reason: "disconnected"}))
		}
		return
	}
	if n.finishLocked(ctx, a, StateErrored, protocol.CodeTeacherUnavailable, "disconnected", true) {
		n.sendError(a.LearnerID, protocol.CodeTeacherUnavailable, a.ID, "")
	}
}

// Get returns a snapshot of an attempt, including retained terminal ones.
func (n *Negotiator) Get(attemptID string) (Attempt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.attempts[attemptID]
	if !ok {
		return Attempt{}, false
	}
	return a.Attempt, true
}

// PendingFor returns the learner's non-terminal attempt.
func (n *Negotiator) PendingFor(learnerID string) (Attempt, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.attempts[n.byLearner[learnerID]]
	if !ok {
		return Attempt{}, false
	}
	return a.Attempt, true
}

func (n *Negotiator) lookup(attemptID string) *attempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts[attemptID]
}

func (n *Negotiator) snapshot(a *attempt) Attempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return a.Attempt
}

func (n *Negotiator) setState(a *attempt, s State) {
	n.mu.Lock()
	a.State = s
	a.UpdatedAt = n.clock().UTC()
	n.mu.Unlock()
}

// finishLocked moves a to a terminal state. It returns false, and changes
// nothing, when a is already terminal. The caller holds the attempt lock.
func (n *Negotiator) finishLocked(ctx context.Context, a *attempt, s State, code protocol.Code, reason string, refund bool) bool {
	now := n.clock().UTC()

	n.mu.Lock()
	if a.State.Terminal() {
		n.mu.Unlock()
		return false
	}
	a.State = s
	a.Code = code
	a.Reason = reason
	a.UpdatedAt = now
	a.EndedAt = &now
	timer := a.timer
	a.timer = nil
	if n.byLearner[a.LearnerID] == a.ID {
		delete(n.byLearner, a.LearnerID)
	}
	n.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	log := n.logFor(a)
	if refund {
		if err := n.ledger.RefundUnusedReservation(ctx, a.ID); err != nil {
			log.Warn("reservation refund failed", "err", err)
		}
	}
	log.Info("call attempt finished", "state", string(s), "code", string(code), "reason", reason)
	return true
}

func (n *Negotiator) pruneLocked(now time.Time) {
	if n.retention <= 0 {
		return
	}
	for id, a := range n.attempts {
		if a.EndedAt != nil && now.Sub(*a.EndedAt) > n.retention {
			delete(n.attempts, id)
		}
	}
}

func (n *Negotiator) send(a *attempt, userID string, msg protocol.Message) {
	if err := n.notify.Send(userID, msg); err != nil {
		n.logFor(a).Debug("notify failed", "user_id", userID, "type", string(msg.Type), "err", err)
	}
}

func (n *Negotiator) sendError(userID string, code protocol.Code, attemptID, msg string) {
	if err := n.notify.Send(userID, protocol.NewError(code, attemptID, "", msg)); err != nil {
		n.log.Debug("notify failed", "user_id", userID, "attempt_id", attemptID, "code", string(code), "err", err)
	}
}
