package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"callern/internal/audit"
	"callern/internal/calls"
	"callern/internal/presence"
	"callern/internal/protocol"
	"callern/internal/rooms"
	"callern/pkg/logger"
)

type fakeNegotiator struct {
	mu       sync.Mutex
	requests []protocol.CallTeacher
	accepts  []string
}

func (f *fakeNegotiator) Request(_ context.Context, req protocol.CallTeacher) (calls.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return calls.Attempt{ID: req.AttemptID, LearnerID: req.LearnerID, TeacherID: req.TeacherID}, nil
}

func (f *fakeNegotiator) Accept(_ context.Context, teacherID string, req protocol.CallAccepted) (calls.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, teacherID+":"+req.AttemptID)
	return calls.Attempt{ID: req.AttemptID}, nil
}

func (f *fakeNegotiator) Reject(context.Context, string, protocol.CallRejected) (calls.Attempt, error) {
	return calls.Attempt{}, nil
}

func (f *fakeNegotiator) Cancel(context.Context, string, protocol.CancelCall) (calls.Attempt, error) {
	return calls.Attempt{}, nil
}

type fakeRooms struct {
	err error
}

func (f *fakeRooms) Join(context.Context, string, string, string) error { return f.err }
func (f *fakeRooms) Leave(context.Context, string, string) error        { return f.err }

type dispatchFixture struct {
	d        *Dispatcher
	neg      *fakeNegotiator
	rooms    *fakeRooms
	presence *presence.Registry
	audit    *audit.MemoryRepo
}

func newDispatchFixture() *dispatchFixture {
	log := logger.Discard()
	f := &dispatchFixture{
		neg:      &fakeNegotiator{},
		rooms:    &fakeRooms{},
		presence: presence.NewRegistry(presence.NewMemoryStore(), log),
		audit:    audit.NewMemoryRepo(),
	}
	f.d = NewDispatcher(NewHub(log), f.neg, f.rooms, f.presence, audit.NewService(f.audit), log)
	return f
}

func frame(t *testing.T, typ protocol.Type, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(protocol.New(typ, payload))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func errorCode(t *testing.T, m protocol.Message) protocol.Code {
	t.Helper()
	if m.Type != protocol.TypeError {
		t.Fatalf("expected error message, got %s", m.Type)
	}
	var e protocol.Error
	if err := json.Unmarshal(m.Payload, &e); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return e.Code
}

func TestDispatch_CallTeacherForwardsToNegotiator(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("l1", protocol.RoleLearner)

	f.d.Handle(context.Background(), c, frame(t, protocol.TypeCallTeacher, protocol.CallTeacher{
		AttemptID: "a1", LearnerID: "l1", TeacherID: "t1", Language: "en",
	}))

	if len(f.neg.requests) != 1 || f.neg.requests[0].AttemptID != "a1" {
		t.Fatalf("expected one forwarded request, got %+v", f.neg.requests)
	}
	if got := drain(c); len(got) != 0 {
		t.Fatalf("expected no direct reply, got %+v", got)
	}
}

func TestDispatch_LearnerIDMismatchIsForbidden(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("l1", protocol.RoleLearner)

	f.d.Handle(context.Background(), c, frame(t, protocol.TypeCallTeacher, protocol.CallTeacher{
		AttemptID: "a1", LearnerID: "someone-else", TeacherID: "t1", Language: "en",
	}))

	if len(f.neg.requests) != 0 {
		t.Fatalf("request must not reach the negotiator")
	}
	got := drain(c)
	if len(got) != 1 || errorCode(t, got[0]) != protocol.CodeForbidden {
		t.Fatalf("expected forbidden, got %+v", got)
	}
	if n := len(f.audit.OfType(audit.EventTypeStaleMessage)); n != 1 {
		t.Fatalf("expected 1 audit event, got %d", n)
	}
}

func TestDispatch_LearnerCannotAccept(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("l1", protocol.RoleLearner)

	f.d.Handle(context.Background(), c, frame(t, protocol.TypeCallAccepted, protocol.CallAccepted{AttemptID: "a1"}))

	if len(f.neg.accepts) != 0 {
		t.Fatalf("accept must not reach the negotiator")
	}
	got := drain(c)
	if len(got) != 1 || errorCode(t, got[0]) != protocol.CodeForbidden {
		t.Fatalf("expected forbidden, got %+v", got)
	}
}

func TestDispatch_AcceptUsesChannelIdentity(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("t1", protocol.RoleTeacher)

	f.d.Handle(context.Background(), c, frame(t, protocol.TypeCallAccepted, protocol.CallAccepted{AttemptID: "a1"}))

	if len(f.neg.accepts) != 1 || f.neg.accepts[0] != "t1:a1" {
		t.Fatalf("unexpected accepts %+v", f.neg.accepts)
	}
}

func TestDispatch_MalformedFrame(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("l1", protocol.RoleLearner)

	f.d.Handle(context.Background(), c, []byte("{not json"))
	f.d.Handle(context.Background(), c, frame(t, protocol.TypeCallTeacher, protocol.CallTeacher{LearnerID: "l1"}))
	f.d.Handle(context.Background(), c, frame(t, protocol.Type("dance"), nil))

	got := drain(c)
	if len(got) != 3 {
		t.Fatalf("expected 3 replies, got %d", len(got))
	}
	for _, m := range got {
		if code := errorCode(t, m); code != protocol.CodeInvalidMessage {
			t.Fatalf("expected invalid-message, got %s", code)
		}
	}
}

func TestDispatch_JoinRoomIdentityAndErrors(t *testing.T) {
	f := newDispatchFixture()
	c := testClient("l1", protocol.RoleLearner)

	f.d.Handle(context.Background(), c, frame(t, protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: "r1", UserID: "l1", Role: protocol.RoleTeacher}))
	if got := drain(c); len(got) != 1 || errorCode(t, got[0]) != protocol.CodeForbidden {
		t.Fatalf("expected forbidden for role mismatch, got %+v", got)
	}

	f.rooms.err = rooms.ErrRoomEnded
	f.d.Handle(context.Background(), c, frame(t, protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: "r1", UserID: "l1", Role: protocol.RoleLearner}))
	if got := drain(c); len(got) != 1 || errorCode(t, got[0]) != protocol.CodeAlreadyTerminal {
		t.Fatalf("expected already-terminal, got %+v", got)
	}

	f.rooms.err = rooms.ErrRoomNotFound
	f.d.Handle(context.Background(), c, frame(t, protocol.TypeLeaveRoom, protocol.LeaveRoom{RoomID: "r9"}))
	if got := drain(c); len(got) != 1 || errorCode(t, got[0]) != protocol.CodeNotFound {
		t.Fatalf("expected not-found, got %+v", got)
	}
}

func TestDispatch_TeacherAvailabilityAndSnapshot(t *testing.T) {
	f := newDispatchFixture()
	teacher := testClient("t1", protocol.RoleTeacher)
	learner := testClient("l1", protocol.RoleLearner)
	f.presence.SetOnline("t1")

	f.d.Handle(context.Background(), teacher, frame(t, protocol.TypeSetAvailability, protocol.SetAvailability{Available: false}))
	if f.presence.IsAvailable("t1") {
		t.Fatalf("expected t1 unavailable")
	}

	f.d.Handle(context.Background(), learner, frame(t, protocol.TypeSetAvailability, protocol.SetAvailability{Available: true}))
	if got := drain(learner); len(got) != 1 || errorCode(t, got[0]) != protocol.CodeForbidden {
		t.Fatalf("expected forbidden for learner availability, got %+v", got)
	}

	f.d.Handle(context.Background(), learner, frame(t, protocol.TypeWatchTeachers, nil))
	got := drain(learner)
	if len(got) != 1 || got[0].Type != protocol.TypePresenceSnapshot {
		t.Fatalf("expected presence snapshot, got %+v", got)
	}
	var snap protocol.PresenceSnapshot
	if err := got[0].Bind(&snap); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(snap.Teachers) != 1 || snap.Teachers[0].TeacherID != "t1" || snap.Teachers[0].Available {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
