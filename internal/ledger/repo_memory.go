package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-process Repository used by tests and local runs
// without Postgres. One mutex makes ApplyCharge atomic.
type MemoryRepo struct {
	mu           sync.Mutex
	packages     map[string]PackageBalance
	charges      map[string]MinuteCharge
	reservations map[string]Reservation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		packages:     make(map[string]PackageBalance),
		charges:      make(map[string]MinuteCharge),
		reservations: make(map[string]Reservation),
	}
}

func (r *MemoryRepo) ListPackages(_ context.Context, learnerID string) ([]PackageBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PackageBalance
	for _, p := range r.packages {
		if p.LearnerID == learnerID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepo) GetPackage(_ context.Context, learnerID, packageID string) (PackageBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[packageID]
	if !ok || p.LearnerID != learnerID {
		return PackageBalance{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) CreatePackage(_ context.Context, p PackageBalance) (PackageBalance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.packages[p.ID]; ok {
		return existing, false, nil
	}
	r.packages[p.ID] = p
	return p, true, nil
}

func (r *MemoryRepo) ApplyCharge(_ context.Context, c MinuteCharge, now time.Time) (PackageBalance, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.packages[c.PackageID]
	if !ok || p.LearnerID != c.LearnerID {
		return PackageBalance{}, false, ErrNotFound
	}
	if _, dup := r.charges[c.IdempotencyKey]; dup {
		return p, false, nil
	}
	if p.RemainingMinutes() < 1 {
		return p, false, ErrExhausted
	}

	p.ConsumedMinutes++
	if p.ConsumedMinutes > p.TotalMinutes {
		return PackageBalance{}, false, ErrInvariantViolation
	}
	if p.RemainingMinutes() == 0 {
		p.Status = PackageStatusExhausted
	}
	p.UpdatedAt = now

	c.RemainingAfter = p.RemainingMinutes()
	r.charges[c.IdempotencyKey] = c
	r.packages[p.ID] = p
	return p, true, nil
}

func (r *MemoryRepo) CountCharges(_ context.Context, roomID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.charges {
		if c.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

// Charges returns every charge row for roomID ordered by minute.
func (r *MemoryRepo) Charges(roomID string) []MinuteCharge {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MinuteCharge
	for _, c := range r.charges {
		if c.RoomID == roomID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinuteIndex < out[j].MinuteIndex })
	return out
}

func (r *MemoryRepo) PutReservation(_ context.Context, res Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[res.ID] = res
	return nil
}

func (r *MemoryRepo) GetReservation(_ context.Context, attemptID string) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[attemptID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return res, nil
}

func (r *MemoryRepo) MoveReservation(_ context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[from]
	if !ok {
		return ErrNotFound
	}
	delete(r.reservations, from)
	res.ID = to
	r.reservations[to] = res
	return nil
}

func (r *MemoryRepo) DeleteReservation(_ context.Context, attemptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, attemptID)
	return nil
}
