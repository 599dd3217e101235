package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal diagnostics about the call flow.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.AttemptID == "" && e.RoomID == "" && e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and swallows the error, logging it instead.
func (s *Service) Record(ctx context.Context, log *slog.Logger, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil && log != nil {
		log.Warn("audit append failed", "type", string(e.Type), "err", err)
	}
}

// LogAdminAction records an admin-initiated change.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		Message:     message,
		Metadata:    metadata,
	})
}
