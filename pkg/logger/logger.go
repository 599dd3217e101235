package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns the process JSON logger. Debug output is enabled for local and dev.
func New(appEnv string) *slog.Logger {
	return NewWithWriter(os.Stdout, appEnv)
}

// NewWithWriter is New with an explicit sink, used by tests.
func NewWithWriter(w io.Writer, appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// Call identifies the call entities a log line is about. Empty fields are omitted.
type Call struct {
	AttemptID string
	RoomID    string
	LearnerID string
	TeacherID string
}

// ForCall returns l annotated with the non-empty ids in c.
func ForCall(l *slog.Logger, c Call) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	var attrs []any
	if c.AttemptID != "" {
		attrs = append(attrs, "attempt_id", c.AttemptID)
	}
	if c.RoomID != "" {
		attrs = append(attrs, "room_id", c.RoomID)
	}
	if c.LearnerID != "" {
		attrs = append(attrs, "learner_id", c.LearnerID)
	}
	if c.TeacherID != "" {
		attrs = append(attrs, "teacher_id", c.TeacherID)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
