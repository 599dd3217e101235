package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeAndBind_CallTeacher(t *testing.T) {
	raw := []byte(`{"type":"call-teacher","payload":{"teacherId":"t1","learnerId":"l1","packageId":"p1","language":"en"}}`)
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeCallTeacher {
		t.Fatalf("unexpected type %q", m.Type)
	}
	var req CallTeacher
	if err := m.Bind(&req); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if req.TeacherID != "t1" || req.LearnerID != "l1" || req.PackageID != "p1" || req.Language != "en" {
		t.Fatalf("unexpected payload %+v", req)
	}
}

func TestBind_ReportsJSONFieldName(t *testing.T) {
	m := New(TypeCallTeacher, map[string]string{"learnerId": "l1", "language": "en"})
	var req CallTeacher
	err := m.Bind(&req)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if !strings.Contains(err.Error(), "teacherId") {
		t.Fatalf("expected json field name in error, got %v", err)
	}
}

func TestBind_JoinRoomRole(t *testing.T) {
	m := New(TypeJoinRoom, JoinRoom{RoomID: "r1", UserID: "u1", Role: "admin"})
	var req JoinRoom
	if err := m.Bind(&req); err == nil {
		t.Fatalf("expected role validation error")
	}
}

func TestDecode_RejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"payload":{}}`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestNewError_DefaultText(t *testing.T) {
	m := NewError(CodeTimeout, "a1", "", "")
	var e Error
	if err := m.Bind(&e); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if e.Code != CodeTimeout || e.AttemptID != "a1" || e.Message == "" {
		t.Fatalf("unexpected error payload %+v", e)
	}
}

func TestBind_EmptyPayloadForBodylessTypes(t *testing.T) {
	m := Message{Type: TypeHeartbeat}
	var sa SetAvailability
	if err := m.Bind(&sa); err != nil {
		t.Fatalf("expected empty payload to bind, got %v", err)
	}
}
