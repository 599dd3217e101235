package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Transport is the provider-agnostic audio/video path behind a room.
//
// Rules:
// - Rooms own the lifecycle: Start once when the room is created, Stop once when it ends.
// - Stop is idempotent and never fails the room teardown.
type Transport interface {
	Name() string
	Start(ctx context.Context, s Session) error
	Stop(ctx context.Context, roomID string) error
}

// Session describes the two peers joined by a room.
type Session struct {
	RoomID    string    `json:"room_id"`
	LearnerID string    `json:"learner_id"`
	TeacherID string    `json:"teacher_id"`
	StartedAt time.Time `json:"started_at"`
}

var ErrInvalidSession = errors.New("media: invalid session")

func (s Session) Validate() error {
	if s.RoomID == "" || s.LearnerID == "" || s.TeacherID == "" {
		return ErrInvalidSession
	}
	return nil
}

// LogTransport tracks sessions in memory and logs their lifecycle. Peers
// negotiate media directly; the server only observes start and stop.
type LogTransport struct {
	log *slog.Logger

	mu     sync.Mutex
	active map[string]Session
}

func NewLogTransport(log *slog.Logger) *LogTransport {
	return &LogTransport{log: log, active: make(map[string]Session)}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Start(ctx context.Context, s Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.active[s.RoomID] = s
	t.mu.Unlock()
	t.log.InfoContext(ctx, "media started", "room_id", s.RoomID, "learner_id", s.LearnerID, "teacher_id", s.TeacherID)
	return nil
}

func (t *LogTransport) Stop(ctx context.Context, roomID string) error {
	t.mu.Lock()
	_, ok := t.active[roomID]
	delete(t.active, roomID)
	t.mu.Unlock()
	if ok {
		t.log.InfoContext(ctx, "media stopped", "room_id", roomID)
	}
	return nil
}

// Active reports whether roomID has a running session.
func (t *LogTransport) Active(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[roomID]
	return ok
}
