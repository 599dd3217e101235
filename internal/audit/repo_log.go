package audit

import (
	"context"
	"log/slog"
)

// LogRepo writes events as structured log lines. Audit events carry no state
// the call flow reads back, so a log sink is enough in production.
type LogRepo struct {
	log *slog.Logger
}

func NewLogRepo(log *slog.Logger) *LogRepo {
	return &LogRepo{log: log.With("component", "audit")}
}

func (r *LogRepo) Append(ctx context.Context, e Event) error {
	r.log.LogAttrs(ctx, slog.LevelWarn, "audit event",
		slog.String("id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("actor_user_id", e.ActorUserID),
		slog.String("actor_role", e.ActorRole),
		slog.String("attempt_id", e.AttemptID),
		slog.String("room_id", e.RoomID),
		slog.String("message", e.Message),
		slog.String("metadata", e.Metadata),
		slog.Time("created_at", e.CreatedAt),
	)
	return nil
}
