package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callern/pkg/logger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard()).WithClock(func() time.Time { return testNow })
	return svc, repo
}

func grant(t *testing.T, svc *Service, learnerID, packageID string, minutes int, expires *time.Time) {
	t.Helper()
	if _, _, err := svc.GrantPackage(context.Background(), GrantRequest{
		PackageID: packageID,
		LearnerID: learnerID,
		Minutes:   minutes,
		ExpiresAt: expires,
	}); err != nil {
		t.Fatalf("grant %s: %v", packageID, err)
	}
}

func at(d time.Duration) *time.Time {
	v := testNow.Add(d)
	return &v
}

func TestReserve_PicksSoonestExpiringUsablePackage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "L1", "never", 10, nil)
	grant(t, svc, "L1", "late", 10, at(72*time.Hour))
	grant(t, svc, "L1", "soon", 10, at(24*time.Hour))

	res, err := svc.Reserve(ctx, "L1", "", "A1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.PackageID != "soon" {
		t.Fatalf("expected soonest-expiring package, got %q", res.PackageID)
	}
}

func TestReserve_SkipsEmptyAndExpiredPackages(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	_, _, _ = repo.CreatePackage(ctx, PackageBalance{
		ID: "old", LearnerID: "L1", TotalMinutes: 5, Status: PackageStatusActive,
		ExpiresAt: at(-time.Hour), CreatedAt: testNow.Add(-48 * time.Hour),
	})
	_, _, _ = repo.CreatePackage(ctx, PackageBalance{
		ID: "used", LearnerID: "L1", TotalMinutes: 5, ConsumedMinutes: 5, Status: PackageStatusExhausted,
		CreatedAt: testNow.Add(-24 * time.Hour),
	})

	if _, err := svc.Reserve(ctx, "L1", "", "A1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	grant(t, svc, "L1", "fresh", 3, nil)
	res, err := svc.Reserve(ctx, "L1", "", "A1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.PackageID != "fresh" {
		t.Fatalf("expected fresh, got %q", res.PackageID)
	}
}

func TestReserve_ExplicitPackage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 1, nil)
	grant(t, svc, "L2", "P2", 1, nil)

	if _, err := svc.Reserve(ctx, "L1", "P2", "A1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign package: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Reserve(ctx, "L1", "missing", "A1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing package: expected ErrNotFound, got %v", err)
	}
	res, err := svc.Reserve(ctx, "L1", "P1", "A1")
	if err != nil || res.PackageID != "P1" {
		t.Fatalf("reserve P1: res=%+v err=%v", res, err)
	}
}

func TestReserve_RejectsInvalidArgs(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Reserve(context.Background(), "", "", "A1"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := svc.Reserve(context.Background(), "L1", "", " "); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestChargeOneMinute_DecrementsAndExhausts(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 2, nil)
	if _, err := svc.Reserve(ctx, "L1", "P1", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	c, err := svc.ChargeOneMinute(ctx, "R1", 1)
	if err != nil {
		t.Fatalf("charge 1: %v", err)
	}
	if !c.Applied || c.Remaining != 1 || c.Exhausted {
		t.Fatalf("charge 1: unexpected %+v", c)
	}

	c, err = svc.ChargeOneMinute(ctx, "R1", 2)
	if err != nil {
		t.Fatalf("charge 2: %v", err)
	}
	if !c.Applied || c.Remaining != 0 || !c.Exhausted {
		t.Fatalf("charge 2: unexpected %+v", c)
	}

	// Already empty: reports exhausted, writes nothing.
	c, err = svc.ChargeOneMinute(ctx, "R1", 3)
	if err != nil {
		t.Fatalf("charge 3: %v", err)
	}
	if c.Applied || !c.Exhausted || c.Remaining != 0 {
		t.Fatalf("charge 3: unexpected %+v", c)
	}
	if got := len(repo.Charges("R1")); got != 2 {
		t.Fatalf("expected 2 charge rows, got %d", got)
	}
	p, _ := repo.GetPackage(ctx, "L1", "P1")
	if p.Status != PackageStatusExhausted || p.ConsumedMinutes != 2 {
		t.Fatalf("unexpected package state %+v", p)
	}
}

func TestChargeOneMinute_IsIdempotentPerMinute(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 10, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := svc.ChargeOneMinute(ctx, "R1", 1)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	again, err := svc.ChargeOneMinute(ctx, "R1", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Applied {
		t.Fatalf("replay must not apply")
	}
	if again.Remaining != first.Remaining {
		t.Fatalf("replay changed remaining: %d vs %d", again.Remaining, first.Remaining)
	}
	if got := len(repo.Charges("R1")); got != 1 {
		t.Fatalf("expected 1 charge row, got %d", got)
	}
}

func TestChargeOneMinute_ConcurrentReplaysChargeOnce(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 5, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ChargeOneMinute(ctx, "R1", 1)
		}()
	}
	wg.Wait()

	p, _ := repo.GetPackage(ctx, "L1", "P1")
	if p.RemainingMinutes() != 4 {
		t.Fatalf("expected 4 remaining, got %d", p.RemainingMinutes())
	}
}

func TestChargeOneMinute_ConcurrentRoomsNeverOverdraw(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 3, nil)
	for _, room := range []string{"R1", "R2"} {
		if _, err := svc.Reserve(ctx, "L1", "P1", room); err != nil {
			t.Fatalf("reserve %s: %v", room, err)
		}
	}

	var wg sync.WaitGroup
	for _, room := range []string{"R1", "R2"} {
		for m := 1; m <= 3; m++ {
			wg.Add(1)
			go func(room string, m int) {
				defer wg.Done()
				_, _ = svc.ChargeOneMinute(ctx, room, m)
			}(room, m)
		}
	}
	wg.Wait()

	p, _ := repo.GetPackage(ctx, "L1", "P1")
	if p.ConsumedMinutes != 3 || p.RemainingMinutes() != 0 {
		t.Fatalf("expected exactly 3 consumed, got %+v", p)
	}
	if total := len(repo.Charges("R1")) + len(repo.Charges("R2")); total != 3 {
		t.Fatalf("expected 3 charge rows, got %d", total)
	}
}

func TestChargeOneMinute_UnknownRoom(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.ChargeOneMinute(context.Background(), "nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ChargeOneMinute(context.Background(), "R1", 0); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestValidate_DetectsDrainedPackage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 1, nil)
	if _, err := svc.Reserve(ctx, "L1", "P1", "A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Reserve(ctx, "L1", "P1", "A2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Validate(ctx, "A1"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := svc.ChargeOneMinute(ctx, "A2", 1); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := svc.Validate(ctx, "A1"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestFinalize_ReportsChargedMinutesAndDropsReservation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 10, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	for m := 1; m <= 3; m++ {
		if _, err := svc.ChargeOneMinute(ctx, "R1", m); err != nil {
			t.Fatalf("charge %d: %v", m, err)
		}
	}

	st, err := svc.Finalize(ctx, "R1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if st.ChargedMinutes != 3 || st.RemainingMinutes != 7 || st.PackageID != "P1" {
		t.Fatalf("unexpected settlement %+v", st)
	}
	if _, err := svc.Finalize(ctx, "R1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second finalize: expected ErrNotFound, got %v", err)
	}
}

func TestBindRoom_MovesPinToRoom(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 10, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.BindRoom(ctx, "A1", "room-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := repo.GetReservation(ctx, "A1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attempt pin should be gone, got %v", err)
	}
	c, err := svc.ChargeOneMinute(ctx, "room-1", 1)
	if err != nil || !c.Applied || c.Remaining != 9 {
		t.Fatalf("charge on bound room: %+v err=%v", c, err)
	}
	if err := svc.BindRoom(ctx, "A1", "room-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rebinding a moved pin: expected ErrNotFound, got %v", err)
	}
}

func TestBindRoom_RefusesBilledRoomID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 10, nil)
	grant(t, svc, "L2", "P2", 10, nil)

	if _, err := svc.Reserve(ctx, "L1", "", "old"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.ChargeOneMinute(ctx, "old", 1); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := svc.Finalize(ctx, "old"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := svc.Reserve(ctx, "L2", "", "A2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.BindRoom(ctx, "A2", "old"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := svc.Validate(ctx, "A2"); err != nil {
		t.Fatalf("refused bind must leave the attempt pin, got %v", err)
	}
}

func TestReserve_ReusedAttemptIDTakesNewLearner(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 10, nil)
	grant(t, svc, "L2", "P2", 10, nil)

	if _, err := svc.Reserve(ctx, "L1", "", "A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Reserve(ctx, "L2", "", "A1"); err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	res, err := repo.GetReservation(ctx, "A1")
	if err != nil || res.LearnerID != "L2" || res.PackageID != "P2" {
		t.Fatalf("unexpected reservation %+v err=%v", res, err)
	}
}

func TestRefundUnusedReservation(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 4, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "A1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := svc.RefundUnusedReservation(ctx, "A1"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := repo.GetReservation(ctx, "A1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reservation should be gone, got %v", err)
	}
	p, _ := repo.GetPackage(ctx, "L1", "P1")
	if p.RemainingMinutes() != 4 {
		t.Fatalf("refund must not move minutes, remaining=%d", p.RemainingMinutes())
	}
	if err := svc.RefundUnusedReservation(ctx, "A1"); err != nil {
		t.Fatalf("second refund should be a no-op, got %v", err)
	}
}

func TestRefundUnusedReservation_RefusesBilledRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 4, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.ChargeOneMinute(ctx, "R1", 1); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := svc.RefundUnusedReservation(ctx, "R1"); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestBalances(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant(t, svc, "L1", "P1", 2, nil)
	if _, err := svc.Reserve(ctx, "L1", "", "R1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, _ = svc.ChargeOneMinute(ctx, "R1", 1)
	_, _ = svc.ChargeOneMinute(ctx, "R1", 2)
	grant(t, svc, "L1", "P2", 5, at(time.Hour))

	views, err := svc.Balances(ctx, "L1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 packages, got %d", len(views))
	}
	byID := map[string]BalanceView{}
	for _, v := range views {
		byID[v.PackageID] = v
	}
	if v := byID["P1"]; v.RemainingMinutes != 0 || v.Status != PackageStatusExhausted {
		t.Fatalf("P1: unexpected %+v", v)
	}
	if v := byID["P2"]; v.RemainingMinutes != 5 || v.Status != PackageStatusActive {
		t.Fatalf("P2: unexpected %+v", v)
	}
}

func TestGrantPackage_IdempotentByID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, created, err := svc.GrantPackage(ctx, GrantRequest{PackageID: "P1", LearnerID: "L1", Minutes: 30})
	if err != nil || !created {
		t.Fatalf("first grant: created=%v err=%v", created, err)
	}
	again, created, err := svc.GrantPackage(ctx, GrantRequest{PackageID: "P1", LearnerID: "L1", Minutes: 99})
	if err != nil || created {
		t.Fatalf("second grant: created=%v err=%v", created, err)
	}
	if again.TotalMinutes != p.TotalMinutes {
		t.Fatalf("replayed grant must not change minutes: %d", again.TotalMinutes)
	}
	if _, _, err := svc.GrantPackage(ctx, GrantRequest{PackageID: "P1", LearnerID: "L2", Minutes: 30}); err != ErrInvalidArgument {
		t.Fatalf("grant to other learner: expected ErrInvalidArgument, got %v", err)
	}
}

func TestGrantPackage_RejectsInvalidArgs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	cases := []GrantRequest{
		{LearnerID: "", Minutes: 10},
		{LearnerID: "L1", Minutes: 0},
		{LearnerID: "L1", Minutes: 10, ExpiresAt: at(-time.Minute)},
	}
	for _, req := range cases {
		if _, _, err := svc.GrantPackage(ctx, req); err != ErrInvalidArgument {
			t.Fatalf("req %+v: expected ErrInvalidArgument, got %v", req, err)
		}
	}
}

func TestPackageBalance_EffectiveStatus(t *testing.T) {
	p := PackageBalance{TotalMinutes: 3, ConsumedMinutes: 1, Status: PackageStatusActive, ExpiresAt: at(time.Hour)}
	if got := p.EffectiveStatus(testNow); got != PackageStatusActive {
		t.Fatalf("expected active, got %s", got)
	}
	if got := p.EffectiveStatus(testNow.Add(time.Hour)); got != PackageStatusExpired {
		t.Fatalf("expected expired at the boundary, got %s", got)
	}
	p.ConsumedMinutes = 3
	if got := p.EffectiveStatus(testNow); got != PackageStatusExhausted {
		t.Fatalf("expected exhausted, got %s", got)
	}
}

func TestChargeKey(t *testing.T) {
	if got := ChargeKey("R1", 7); got != "R1:7" {
		t.Fatalf("unexpected key %q", got)
	}
}
