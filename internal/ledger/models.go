package ledger

import "time"

// PackageBalance is one purchased pool of call minutes owned by a learner.
// Invariant: ConsumedMinutes never exceeds TotalMinutes, so remaining is >= 0.
// ConsumedMinutes only moves through MinuteCharge rows.
type PackageBalance struct {
	ID        string `json:"id" db:"id"`
	LearnerID string `json:"learner_id" db:"learner_id"`

	TotalMinutes    int `json:"total_minutes" db:"total_minutes"`
	ConsumedMinutes int `json:"consumed_minutes" db:"consumed_minutes"`

	Status PackageStatus `json:"status" db:"status"`

	// ExpiresAt is nil for packages that never expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type PackageStatus string

const (
	PackageStatusActive    PackageStatus = "active"
	PackageStatusExhausted PackageStatus = "exhausted"
	PackageStatusExpired   PackageStatus = "expired"
)

func (p PackageBalance) RemainingMinutes() int {
	r := p.TotalMinutes - p.ConsumedMinutes
	if r < 0 {
		return 0
	}
	return r
}

// EffectiveStatus folds expiry and exhaustion into the stored status.
func (p PackageBalance) EffectiveStatus(now time.Time) PackageStatus {
	if p.Status == PackageStatusExpired {
		return PackageStatusExpired
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return PackageStatusExpired
	}
	if p.RemainingMinutes() == 0 {
		return PackageStatusExhausted
	}
	return PackageStatusActive
}

// Usable reports whether a new call may be started against p.
func (p PackageBalance) Usable(now time.Time) bool {
	return p.EffectiveStatus(now) == PackageStatusActive
}

// MinuteCharge is an immutable ledger row for one billed minute of a room.
// IdempotencyKey is "<room id>:<minute index>" and is unique.
type MinuteCharge struct {
	ID        string `json:"id" db:"id"`
	LearnerID string `json:"learner_id" db:"learner_id"`
	PackageID string `json:"package_id" db:"package_id"`
	RoomID    string `json:"room_id" db:"room_id"`

	MinuteIndex    int    `json:"minute_index" db:"minute_index"`
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// RemainingAfter is the package remainder once this minute was applied.
	RemainingAfter int `json:"remaining_after" db:"remaining_after"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reservation pins the package a call attempt (and later its room, which
// shares the attempt id) is charged against. It holds no minutes.
type Reservation struct {
	// ID is the attempt id until BindRoom re-keys the pin to the room id.
	ID        string    `json:"id" db:"id"`
	LearnerID string    `json:"learner_id" db:"learner_id"`
	PackageID string    `json:"package_id" db:"package_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// BalanceView is the collaborator-facing shape of a package balance.
type BalanceView struct {
	PackageID        string        `json:"packageId"`
	RemainingMinutes int           `json:"remainingMinutes"`
	Status           PackageStatus `json:"status"`
	ExpiresAt        *time.Time    `json:"expiresAt,omitempty"`
}

// Charge is the outcome of ChargeOneMinute.
type Charge struct {
	RoomID      string `json:"room_id"`
	MinuteIndex int    `json:"minute_index"`
	// Applied is false for a replayed idempotency key or an already empty package.
	Applied   bool `json:"applied"`
	Remaining int  `json:"remaining"`
	// Exhausted is true once the package has no minutes left.
	Exhausted bool `json:"exhausted"`
}

// Settlement is the final tally of a room once Finalize runs.
type Settlement struct {
	RoomID           string `json:"room_id"`
	LearnerID        string `json:"learner_id"`
	PackageID        string `json:"package_id"`
	ChargedMinutes   int    `json:"charged_minutes"`
	RemainingMinutes int    `json:"remaining_minutes"`
}
