package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"callern/pkg/utils"

	"github.com/google/uuid"
)

// Service is the minutes ledger.
//
// Minute invariants:
// - A package balance only changes through a MinuteCharge row
// - At most one charge per (room, minute index)
// - Remaining minutes never go below zero
// - A room never splits its charges across packages
//
// Operations for one learner are serialized by a keyed mutex; the repository
// adds row-level locking for multi-process deployments.
type Service struct {
	repo  Repository
	locks *utils.KeyedMutex
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:  repo,
		locks: utils.NewKeyedMutex(),
		log:   log,
		clock: time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExhausted           = errors.New("package exhausted")
	ErrInvalidArgument     = errors.New("invalid argument")
	// ErrInvariantViolation means a write would have broken a minute invariant
	// and was rolled back.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	errDuplicateCharge = errors.New("duplicate charge")
)

// ChargeKey is the idempotency key of minute n in a room.
func ChargeKey(roomID string, minute int) string {
	return fmt.Sprintf("%s:%d", roomID, minute)
}

// Reserve pins the package attemptID will be charged against. When packageID
// is empty the usable package expiring soonest is chosen.
// Returns ErrInsufficientBalance when no usable package exists and ErrNotFound
// when an explicit package does not belong to the learner.
func (s *Service) Reserve(ctx context.Context, learnerID, packageID, attemptID string) (Reservation, error) {
	learnerID = strings.TrimSpace(learnerID)
	attemptID = strings.TrimSpace(attemptID)
	if learnerID == "" || attemptID == "" {
		return Reservation{}, ErrInvalidArgument
	}

	unlock := s.locks.Lock(learnerID)
	defer unlock()

	now := s.clock().UTC()

	var pkg PackageBalance
	if packageID = strings.TrimSpace(packageID); packageID != "" {
		p, err := s.repo.GetPackage(ctx, learnerID, packageID)
		if err != nil {
			return Reservation{}, err
		}
		if !p.Usable(now) {
			return Reservation{}, ErrInsufficientBalance
		}
		pkg = p
	} else {
		list, err := s.repo.ListPackages(ctx, learnerID)
		if err != nil {
			return Reservation{}, err
		}
		p, ok := selectPackage(list, now)
		if !ok {
			return Reservation{}, ErrInsufficientBalance
		}
		pkg = p
	}

	res := Reservation{
		ID:        attemptID,
		LearnerID: learnerID,
		PackageID: pkg.ID,
		CreatedAt: now,
	}
	if err := s.repo.PutReservation(ctx, res); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// selectPackage picks the usable package with the nearest expiry. Packages
// without expiry sort last; ties fall back to creation order.
func selectPackage(list []PackageBalance, now time.Time) (PackageBalance, bool) {
	var usable []PackageBalance
	for _, p := range list {
		if p.Usable(now) {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		return PackageBalance{}, false
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return usable[0], true
}

// Validate re-checks that the package reserved for attemptID still has at
// least one minute. Expiry is not re-checked once a package was pinned.
func (s *Service) Validate(ctx context.Context, attemptID string) error {
	res, err := s.repo.GetReservation(ctx, attemptID)
	if err != nil {
		return err
	}
	p, err := s.repo.GetPackage(ctx, res.LearnerID, res.PackageID)
	if err != nil {
		return err
	}
	if p.RemainingMinutes() < 1 {
		return ErrInsufficientBalance
	}
	return nil
}

// ChargeOneMinute bills minute n (1-based) of roomID. Replays of the same
// minute are no-ops. A package that is already empty reports Exhausted
// without writing anything.
func (s *Service) ChargeOneMinute(ctx context.Context, roomID string, minute int) (Charge, error) {
	if strings.TrimSpace(roomID) == "" || minute < 1 {
		return Charge{}, ErrInvalidArgument
	}
	res, err := s.repo.GetReservation(ctx, roomID)
	if err != nil {
		return Charge{}, err
	}

	unlock := s.locks.Lock(res.LearnerID)
	defer unlock()

	now := s.clock().UTC()
	entry := MinuteCharge{
		ID:             uuid.NewString(),
		LearnerID:      res.LearnerID,
		PackageID:      res.PackageID,
		RoomID:         roomID,
		MinuteIndex:    minute,
		IdempotencyKey: ChargeKey(roomID, minute),
		CreatedAt:      now,
	}

	out := Charge{RoomID: roomID, MinuteIndex: minute}
	p, applied, err := s.repo.ApplyCharge(ctx, entry, now)
	switch {
	case errors.Is(err, ErrExhausted):
		out.Exhausted = true
		return out, nil
	case err != nil:
		if errors.Is(err, ErrInvariantViolation) {
			s.log.Error("minute charge rolled back", "room_id", roomID, "minute", minute, "package_id", res.PackageID)
		}
		return Charge{}, err
	}

	out.Applied = applied
	out.Remaining = p.RemainingMinutes()
	out.Exhausted = out.Remaining == 0
	if !applied {
		s.log.Warn("duplicate minute charge ignored", "room_id", roomID, "minute", minute)
	}
	return out, nil
}

// BindRoom moves the package pinned to attemptID onto roomID, which keys
// every charge of the room from then on. A room id that already has charges
// or a pin is refused, so minutes are never deduplicated against an older room.
func (s *Service) BindRoom(ctx context.Context, attemptID, roomID string) error {
	attemptID = strings.TrimSpace(attemptID)
	roomID = strings.TrimSpace(roomID)
	if attemptID == "" || roomID == "" {
		return ErrInvalidArgument
	}
	res, err := s.repo.GetReservation(ctx, attemptID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(res.LearnerID)
	defer unlock()

	if attemptID == roomID {
		return nil
	}
	if _, err := s.repo.GetReservation(ctx, roomID); err == nil {
		return fmt.Errorf("%w: room %s already has a reservation", ErrInvalidArgument, roomID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	n, err := s.repo.CountCharges(ctx, roomID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: room %s already billed", ErrInvalidArgument, roomID)
	}
	return s.repo.MoveReservation(ctx, attemptID, roomID)
}

// Finalize closes the books for roomID and drops its reservation. Calling it
// again returns ErrNotFound.
func (s *Service) Finalize(ctx context.Context, roomID string) (Settlement, error) {
	res, err := s.repo.GetReservation(ctx, roomID)
	if err != nil {
		return Settlement{}, err
	}

	unlock := s.locks.Lock(res.LearnerID)
	defer unlock()

	n, err := s.repo.CountCharges(ctx, roomID)
	if err != nil {
		return Settlement{}, err
	}
	p, err := s.repo.GetPackage(ctx, res.LearnerID, res.PackageID)
	if err != nil {
		return Settlement{}, err
	}
	if err := s.repo.DeleteReservation(ctx, roomID); err != nil {
		return Settlement{}, err
	}
	return Settlement{
		RoomID:           roomID,
		LearnerID:        res.LearnerID,
		PackageID:        res.PackageID,
		ChargedMinutes:   n,
		RemainingMinutes: p.RemainingMinutes(),
	}, nil
}

// RefundUnusedReservation releases the pin of an attempt that never reached a
// room. Nothing was charged, so no balance moves. Unknown attempts are a no-op.
func (s *Service) RefundUnusedReservation(ctx context.Context, attemptID string) error {
	res, err := s.repo.GetReservation(ctx, attemptID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(res.LearnerID)
	defer unlock()

	n, err := s.repo.CountCharges(ctx, attemptID)
	if err != nil {
		return err
	}
	if n > 0 {
		// A room already billed against it; Finalize owns the cleanup.
		return ErrInvalidArgument
	}
	return s.repo.DeleteReservation(ctx, attemptID)
}

// Balances lists a learner's packages with their current remaining minutes.
func (s *Service) Balances(ctx context.Context, learnerID string) ([]BalanceView, error) {
	if strings.TrimSpace(learnerID) == "" {
		return nil, ErrInvalidArgument
	}
	list, err := s.repo.ListPackages(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	out := make([]BalanceView, 0, len(list))
	for _, p := range list {
		out = append(out, BalanceView{
			PackageID:        p.ID,
			RemainingMinutes: p.RemainingMinutes(),
			Status:           p.EffectiveStatus(now),
			ExpiresAt:        p.ExpiresAt,
		})
	}
	return out, nil
}

type GrantRequest struct {
	PackageID string     `json:"package_id"`
	LearnerID string     `json:"learner_id" validate:"required"`
	Minutes   int        `json:"minutes" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantPackage creates a package. It is idempotent by package id: granting an
// existing id returns the stored package and created=false.
func (s *Service) GrantPackage(ctx context.Context, req GrantRequest) (PackageBalance, bool, error) {
	req.LearnerID = strings.TrimSpace(req.LearnerID)
	if req.LearnerID == "" || req.Minutes <= 0 {
		return PackageBalance{}, false, ErrInvalidArgument
	}
	if req.PackageID = strings.TrimSpace(req.PackageID); req.PackageID == "" {
		req.PackageID = uuid.NewString()
	}

	now := s.clock().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return PackageBalance{}, false, ErrInvalidArgument
	}

	unlock := s.locks.Lock(req.LearnerID)
	defer unlock()

	p, created, err := s.repo.CreatePackage(ctx, PackageBalance{
		ID:           req.PackageID,
		LearnerID:    req.LearnerID,
		TotalMinutes: req.Minutes,
		Status:       PackageStatusActive,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return PackageBalance{}, false, err
	}
	if !created && p.LearnerID != req.LearnerID {
		return PackageBalance{}, false, ErrInvalidArgument
	}
	return p, created, nil
}
