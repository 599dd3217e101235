// Package rooms owns the lifetime of active call rooms: membership, the
// per-minute ledger tick and teardown.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"callern/internal/audit"
	"callern/internal/config"
	"callern/internal/history"
	"callern/internal/ledger"
	"callern/internal/media"
	"callern/internal/protocol"
	"callern/pkg/logger"
	"callern/pkg/utils"

	"github.com/google/uuid"
)

// Ledger is the slice of the minutes ledger a room needs.
type Ledger interface {
	BindRoom(ctx context.Context, attemptID, roomID string) error
	ChargeOneMinute(ctx context.Context, roomID string, minute int) (ledger.Charge, error)
	Finalize(ctx context.Context, roomID string) (ledger.Settlement, error)
}

type Presence interface {
	SetInRoom(teacherID string, inRoom bool)
}

// Notifier delivers a message to a connected user.
type Notifier interface {
	Send(userID string, msg protocol.Message) error
}

type Deps struct {
	Ledger   Ledger
	Presence Presence
	Notifier Notifier
	Media    media.Transport
	History  history.Recorder
	Slots    SlotStore
	Audit    *audit.Service
}

// minBillablePartial is the shortest partial minute billed on a voluntary end.
const minBillablePartial = time.Second

type room struct {
	Room
	lastBilledAt time.Time
	stop         chan struct{}
}

// Manager is the room session manager.
//
// Every operation on one room runs under that room's lock. Room fields are
// written under both the room lock and mu, so snapshots only need mu.
type Manager struct {
	ledger   Ledger
	presence Presence
	notify   Notifier
	media    media.Transport
	history  history.Recorder
	slots    SlotStore
	audit    *audit.Service
	log      *slog.Logger

	tickInterval time.Duration
	retention    time.Duration
	// clock and newID are injectable for deterministic tests.
	clock func() time.Time
	newID func() string

	locks *utils.KeyedMutex

	mu        sync.Mutex
	rooms     map[string]*room
	byTeacher map[string]string
	byLearner map[string]string
}

// NewManager builds a Manager. A TickInterval <= 0 disables the background
// ticker; Tick must then be driven by the caller.
func NewManager(d Deps, cfg config.CallConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if d.Slots == nil {
		d.Slots = NewMemorySlots()
	}
	if d.Media == nil {
		d.Media = media.NewLogTransport(log)
	}
	if d.History == nil {
		d.History = history.NewLogRecorder(log)
	}
	return &Manager{
		ledger:       d.Ledger,
		presence:     d.Presence,
		notify:       d.Notifier,
		media:        d.Media,
		history:      d.History,
		slots:        d.Slots,
		audit:        d.Audit,
		log:          log.With("component", "rooms"),
		tickInterval: cfg.TickInterval,
		retention:    cfg.AttemptRetention,
		clock:        time.Now,
		newID:        uuid.NewString,
		locks:        utils.NewKeyedMutex(),
		rooms:        make(map[string]*room),
		byTeacher:    make(map[string]string),
		byLearner:    make(map[string]string),
	}
}

// WithIDs overrides the room id generator.
func (m *Manager) WithIDs(newID func() string) *Manager {
	m.newID = newID
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) logFor(r *room) *slog.Logger {
	return logger.ForCall(m.log, logger.Call{AttemptID: r.AttemptID, RoomID: r.ID, LearnerID: r.LearnerID, TeacherID: r.TeacherID})
}

// Create opens a room for an accepted attempt under a fresh room id and moves
// the attempt's ledger reservation onto it. Both participants are marked
// in-room and the elapsed counter starts at zero. An attempt gets at most one
// room. On any failure nothing is left behind.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Room, error) {
	if req.AttemptID == "" || req.LearnerID == "" || req.TeacherID == "" || req.LearnerID == req.TeacherID {
		return Room{}, ErrInvalidRequest
	}

	unlock := m.locks.Lock(req.AttemptID)
	defer unlock()

	now := m.clock().UTC()
	r := &room{
		Room: Room{
			ID:        m.newID(),
			AttemptID: req.AttemptID,
			LearnerID: req.LearnerID,
			TeacherID: req.TeacherID,
			PackageID: req.PackageID,
			Status:    StatusActive,
			StartedAt: now,
		},
		lastBilledAt: now,
		stop:         make(chan struct{}),
	}

	m.mu.Lock()
	m.pruneLocked(now)
	switch {
	case m.rooms[r.ID] != nil || m.hasAttemptLocked(req.AttemptID):
		m.mu.Unlock()
		return Room{}, ErrRoomExists
	case m.byTeacher[r.TeacherID] != "":
		m.mu.Unlock()
		return Room{}, ErrTeacherBusy
	case m.byLearner[r.LearnerID] != "":
		m.mu.Unlock()
		return Room{}, ErrLearnerBusy
	}
	m.rooms[r.ID] = r
	m.byTeacher[r.TeacherID] = r.ID
	m.byLearner[r.LearnerID] = r.ID
	m.mu.Unlock()

	ok, err := m.slots.Acquire(ctx, r.TeacherID, r.ID)
	if err != nil || !ok {
		m.forget(r)
		if err != nil {
			return Room{}, fmt.Errorf("acquire teacher slot: %w", err)
		}
		return Room{}, ErrTeacherBusy
	}

	if err := m.media.Start(ctx, media.Session{
		RoomID:    r.ID,
		LearnerID: r.LearnerID,
		TeacherID: r.TeacherID,
		StartedAt: now,
	}); err != nil {
		_ = m.slots.Release(ctx, r.TeacherID, r.ID)
		m.forget(r)
		return Room{}, fmt.Errorf("start media: %w", err)
	}

	if err := m.ledger.BindRoom(ctx, req.AttemptID, r.ID); err != nil {
		_ = m.media.Stop(ctx, r.ID)
		_ = m.slots.Release(ctx, r.TeacherID, r.ID)
		m.forget(r)
		return Room{}, fmt.Errorf("bind reservation: %w", err)
	}

	if m.presence != nil {
		m.presence.SetInRoom(r.TeacherID, true)
	}
	if m.tickInterval > 0 {
		go m.run(r.ID, r.stop)
	}

	m.logFor(r).Info("room created", "package_id", r.PackageID)
	return m.snapshot(r), nil
}

// hasAttemptLocked reports whether a live or retained room came from attemptID.
func (m *Manager) hasAttemptLocked(attemptID string) bool {
	for _, r := range m.rooms {
		if r.AttemptID == attemptID {
			return true
		}
	}
	return false
}

func (m *Manager) forget(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, r.ID)
	if m.byTeacher[r.TeacherID] == r.ID {
		delete(m.byTeacher, r.TeacherID)
	}
	if m.byLearner[r.LearnerID] == r.ID {
		delete(m.byLearner, r.LearnerID)
	}
}

// pruneLocked drops ended rooms older than the retention window. Ended rooms
// are kept so a room id can never be reused.
func (m *Manager) pruneLocked(now time.Time) {
	if m.retention <= 0 {
		return
	}
	for id, r := range m.rooms {
		if r.Status == StatusEnded && r.EndedAt != nil && now.Sub(*r.EndedAt) > m.retention {
			delete(m.rooms, id)
		}
	}
}

func (m *Manager) run(roomID string, stop <-chan struct{}) {
	t := time.NewTicker(m.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			err := m.Tick(context.Background(), roomID)
			if errors.Is(err, ErrRoomEnded) || errors.Is(err, ErrRoomNotFound) {
				return
			}
		}
	}
}

func (m *Manager) activeRoom(roomID string) (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if r.Status != StatusActive {
		return nil, ErrRoomEnded
	}
	return r, nil
}

// Tick bills the next minute of roomID. When the ledger reports the package
// exhausted the room is ended at this same tick.
func (m *Manager) Tick(ctx context.Context, roomID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	r, err := m.activeRoom(roomID)
	if err != nil {
		return err
	}
	log := m.logFor(r)

	minute := r.ElapsedMinutes + 1
	charge, err := m.ledger.ChargeOneMinute(ctx, roomID, minute)
	if err != nil {
		log.Error("minute charge failed", "minute", minute, "err", err)
		return err
	}

	if charge.Applied || !charge.Exhausted {
		m.mu.Lock()
		r.ElapsedMinutes = minute
		r.lastBilledAt = m.clock().UTC()
		m.mu.Unlock()
	}
	if !charge.Applied && !charge.Exhausted {
		log.Warn("minute already charged", "minute", minute)
		m.audit.Record(ctx, log, audit.Event{
			Type:    audit.EventTypeDuplicateCharge,
			RoomID:  roomID,
			Message: fmt.Sprintf("minute %d already charged", minute),
		})
	}

	if charge.Exhausted {
		m.endLocked(ctx, r, ReasonBalanceExhausted)
		return nil
	}

	if ok, err := m.slots.Acquire(ctx, r.TeacherID, r.ID); err != nil || !ok {
		log.Warn("teacher slot refresh failed", "held", ok, "err", err)
	}
	m.sendBoth(r, protocol.New(protocol.TypeRoomTick, protocol.RoomTick{
		RoomID:           r.ID,
		ElapsedMinutes:   minute,
		RemainingMinutes: charge.Remaining,
	}))
	return nil
}

// End terminates roomID. Ending an ended room is a no-op.
func (m *Manager) End(ctx context.Context, roomID string, reason EndReason) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	m.endLocked(ctx, r, reason)
	return nil
}

// endLocked runs the teardown. The caller holds the room lock. Once the room
// is marked ended the settlement must finish, so caller cancellation is dropped.
func (m *Manager) endLocked(ctx context.Context, r *room, reason EndReason) {
	ctx = context.WithoutCancel(ctx)
	m.mu.Lock()
	if r.Status == StatusEnded {
		m.mu.Unlock()
		return
	}
	r.Status = StatusEnded
	r.EndReason = reason
	close(r.stop)
	minute := r.ElapsedMinutes
	lastBilled := r.lastBilledAt
	m.mu.Unlock()

	log := m.logFor(r)
	now := m.clock().UTC()

	if reason == ReasonBalanceExhausted {
		// Participants hear about it before media goes away.
		m.sendBoth(r, protocol.New(protocol.TypeBalanceExhausted, protocol.BalanceExhausted{RoomID: r.ID}))
	} else if now.Sub(lastBilled) >= minBillablePartial {
		// A started minute is billed as a whole minute while balance remains.
		charge, err := m.ledger.ChargeOneMinute(ctx, r.ID, minute+1)
		switch {
		case err != nil:
			log.Warn("partial minute charge failed", "minute", minute+1, "err", err)
		case charge.Applied:
			minute++
		}
	}

	if err := m.media.Stop(ctx, r.ID); err != nil {
		log.Warn("media stop failed", "err", err)
	}

	if st, err := m.ledger.Finalize(ctx, r.ID); err != nil {
		log.Error("ledger finalize failed", "err", err)
	} else {
		log.Info("room settled", "charged_minutes", st.ChargedMinutes, "remaining_minutes", st.RemainingMinutes)
	}

	if err := m.slots.Release(ctx, r.TeacherID, r.ID); err != nil {
		log.Warn("teacher slot release failed", "err", err)
	}
	if m.presence != nil {
		m.presence.SetInRoom(r.TeacherID, false)
	}

	m.mu.Lock()
	r.ElapsedMinutes = minute
	r.EndedAt = &now
	if m.byTeacher[r.TeacherID] == r.ID {
		delete(m.byTeacher, r.TeacherID)
	}
	if m.byLearner[r.LearnerID] == r.ID {
		delete(m.byLearner, r.LearnerID)
	}
	m.mu.Unlock()

	m.sendBoth(r, protocol.New(protocol.TypeRoomEnded, protocol.RoomEnded{
		RoomID:          r.ID,
		Reason:          string(reason),
		DurationMinutes: minute,
	}))

	rec := history.Record{
		RoomID:          r.ID,
		LearnerID:       r.LearnerID,
		TeacherID:       r.TeacherID,
		PackageID:       r.PackageID,
		DurationMinutes: minute,
		Outcome:         string(reason),
		StartedAt:       r.StartedAt,
		EndedAt:         now,
	}
	if err := m.history.Record(ctx, rec); err != nil {
		// The recorder already retried; the full record is logged for replay.
		log.Error("call history write failed", "err", err, "history_record", rec)
	}

	if reason == ReasonAdminTerminated || reason == ReasonServerShutdown {
		m.audit.Record(ctx, log, audit.Event{
			Type:    audit.EventTypeForcedTermination,
			RoomID:  r.ID,
			Message: string(reason),
		})
	}
	log.Info("room ended", "reason", string(reason), "duration_minutes", minute)
}

// Join records that userID attached its media session and tells the other
// participant.
func (m *Manager) Join(ctx context.Context, roomID, userID, role string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	r, err := m.activeRoom(roomID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case role == protocol.RoleLearner && userID == r.LearnerID:
		r.LearnerJoined = true
	case role == protocol.RoleTeacher && userID == r.TeacherID:
		r.TeacherJoined = true
	default:
		m.mu.Unlock()
		return ErrNotParticipant
	}
	m.mu.Unlock()

	m.send(r, r.Other(userID), protocol.New(protocol.TypeParticipantJoined, protocol.ParticipantJoined{
		RoomID: r.ID,
		UserID: userID,
		Role:   role,
	}))
	return nil
}

// Leave is a voluntary hangup by a participant.
func (m *Manager) Leave(ctx context.Context, roomID, userID string) error {
	unlock := m.locks.Lock(roomID)
	defer unlock()

	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	if !r.Participant(userID) {
		return ErrNotParticipant
	}
	m.endLocked(ctx, r, ReasonHangup)
	return nil
}

// Disconnected ends the active room of userID, if any, as an implicit hangup.
func (m *Manager) Disconnected(ctx context.Context, userID string) {
	r, ok := m.ActiveFor(userID)
	if !ok {
		return
	}
	if err := m.End(ctx, r.ID, ReasonDisconnected); err != nil {
		m.log.Warn("end on disconnect failed", "room_id", r.ID, "user_id", userID, "err", err)
	}
}

// ActiveFor returns the active room userID participates in.
func (m *Manager) ActiveFor(userID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.byLearner[userID]
	if id == "" {
		id = m.byTeacher[userID]
	}
	r, ok := m.rooms[id]
	if !ok || r.Status != StatusActive {
		return Room{}, false
	}
	return r.Room, true
}

func (m *Manager) Get(roomID string) (Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.Room, true
}

// Active lists active rooms, oldest first.
func (m *Manager) Active() []Room {
	m.mu.Lock()
	out := make([]Room, 0, len(m.byTeacher))
	for _, r := range m.rooms {
		if r.Status == StatusActive {
			out = append(out, r.Room)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown ends every active room with server-shutdown and returns how many
// were ended.
func (m *Manager) Shutdown(ctx context.Context) int {
	n := 0
	for _, r := range m.Active() {
		if err := m.End(ctx, r.ID, ReasonServerShutdown); err != nil {
			m.log.Warn("end on shutdown failed", "room_id", r.ID, "err", err)
			continue
		}
		n++
	}
	return n
}

func (m *Manager) snapshot(r *room) Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return r.Room
}

func (m *Manager) sendBoth(r *room, msg protocol.Message) {
	m.send(r, r.LearnerID, msg)
	m.send(r, r.TeacherID, msg)
}

func (m *Manager) send(r *room, userID string, msg protocol.Message) {
	if m.notify == nil {
		return
	}
	if err := m.notify.Send(userID, msg); err != nil {
		m.logFor(r).Debug("notify failed", "user_id", userID, "type", string(msg.Type), "err", err)
	}
}
