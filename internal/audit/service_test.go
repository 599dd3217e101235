package audit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"callern/pkg/logger"
)

func TestService_AppendRequiresTypeAndSubject(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{AttemptID: "A1"}); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if err := svc.Append(context.Background(), Event{Type: EventTypeStaleMessage}); err == nil {
		t.Fatalf("expected error for missing subject")
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("invalid events must not be stored")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeDuplicateAccept, AttemptID: "A1", ActorUserID: "T1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogAdminAction(context.Background(), "admin1", "admin", "terminated room", `{"room_id":"R1"}`); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp to be filled")
	}
	if got := repo.OfType(EventTypeAdminAction); len(got) != 1 || got[0].ActorRole != "admin" {
		t.Fatalf("expected one admin_action, got %+v", got)
	}
}

func TestService_RecordIsBestEffort(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "test")

	var nilSvc *Service
	nilSvc.Record(context.Background(), log, Event{Type: EventTypeStaleMessage, AttemptID: "A1"})

	svc := NewService(NewMemoryRepo())
	svc.Record(context.Background(), log, Event{Type: EventTypeStaleMessage})
	if !strings.Contains(buf.String(), "audit append failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestLogRepo_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(NewLogRepo(logger.NewWithWriter(&buf, "test")))
	if err := svc.Append(context.Background(), Event{Type: EventTypeForcedTermination, RoomID: "R9"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"forced_termination"`) || !strings.Contains(out, `"room_id":"R9"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
