package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callern/pkg/utils"
)

// Repository is the durable store behind Service.
//
// ApplyCharge must be atomic: the idempotency check, the remaining-minutes
// check, the charge insert and the package update commit together or not at all.
type Repository interface {
	ListPackages(ctx context.Context, learnerID string) ([]PackageBalance, error)
	GetPackage(ctx context.Context, learnerID, packageID string) (PackageBalance, error)
	// CreatePackage inserts p. It returns the existing row and false when the
	// package id is already taken.
	CreatePackage(ctx context.Context, p PackageBalance) (PackageBalance, bool, error)

	// ApplyCharge appends c and consumes one minute from its package.
	// A replayed idempotency key returns the current package with applied=false.
	// An empty package returns ErrExhausted and writes nothing.
	ApplyCharge(ctx context.Context, c MinuteCharge, now time.Time) (pkg PackageBalance, applied bool, err error)
	CountCharges(ctx context.Context, roomID string) (int, error)

	PutReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	// MoveReservation re-keys a reservation; ErrNotFound when from is unknown.
	MoveReservation(ctx context.Context, from, to string) error
	DeleteReservation(ctx context.Context, id string) error
}

// Schema is applied by Migrate. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS call_packages (
  id               TEXT PRIMARY KEY,
  learner_id       TEXT NOT NULL,
  total_minutes    INTEGER NOT NULL CHECK (total_minutes >= 0),
  consumed_minutes INTEGER NOT NULL DEFAULT 0 CHECK (consumed_minutes >= 0),
  status           TEXT NOT NULL,
  expires_at       TIMESTAMPTZ NULL,
  created_at       TIMESTAMPTZ NOT NULL,
  updated_at       TIMESTAMPTZ NOT NULL,
  CHECK (consumed_minutes <= total_minutes)
);
CREATE INDEX IF NOT EXISTS call_packages_learner_idx ON call_packages (learner_id);

CREATE TABLE IF NOT EXISTS minute_charges (
  id              TEXT PRIMARY KEY,
  learner_id      TEXT NOT NULL,
  package_id      TEXT NOT NULL REFERENCES call_packages (id),
  room_id         TEXT NOT NULL,
  minute_index    INTEGER NOT NULL,
  idempotency_key TEXT NOT NULL UNIQUE,
  remaining_after INTEGER NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS minute_charges_room_idx ON minute_charges (room_id);

CREATE TABLE IF NOT EXISTS call_reservations (
  id         TEXT PRIMARY KEY,
  learner_id TEXT NOT NULL,
  package_id TEXT NOT NULL REFERENCES call_packages (id),
  created_at TIMESTAMPTZ NOT NULL
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("ledger: nil db")
	}
	_, err := db.ExecContext(ctx, Schema)
	return err
}

// PostgresRepo implements Repository on database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const packageColumns = `id, learner_id, total_minutes, consumed_minutes, status, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (PackageBalance, error) {
	var (
		p       PackageBalance
		expires sql.NullTime
	)
	if err := row.Scan(
		&p.ID,
		&p.LearnerID,
		&p.TotalMinutes,
		&p.ConsumedMinutes,
		&p.Status,
		&expires,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PackageBalance{}, ErrNotFound
		}
		return PackageBalance{}, err
	}
	if expires.Valid {
		t := expires.Time
		p.ExpiresAt = &t
	}
	return p, nil
}

func (r *PostgresRepo) ListPackages(ctx context.Context, learnerID string) ([]PackageBalance, error) {
	q := `SELECT ` + packageColumns + ` FROM call_packages WHERE learner_id = $1 ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, q, learnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PackageBalance
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) GetPackage(ctx context.Context, learnerID, packageID string) (PackageBalance, error) {
	q := `SELECT ` + packageColumns + ` FROM call_packages WHERE learner_id = $1 AND id = $2`
	return scanPackage(r.db.QueryRowContext(ctx, q, learnerID, packageID))
}

func (r *PostgresRepo) CreatePackage(ctx context.Context, p PackageBalance) (PackageBalance, bool, error) {
	const q = `
INSERT INTO call_packages (id, learner_id, total_minutes, consumed_minutes, status, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		p.ID,
		p.LearnerID,
		p.TotalMinutes,
		p.ConsumedMinutes,
		p.Status,
		p.ExpiresAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return PackageBalance{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := scanPackage(r.db.QueryRowContext(ctx,
			`SELECT `+packageColumns+` FROM call_packages WHERE id = $1`, p.ID))
		return existing, false, err
	}
	return p, true, nil
}

func lockPackage(ctx context.Context, tx *sql.Tx, learnerID, packageID string) (PackageBalance, error) {
	// Row lock serializes concurrent charges against one package.
	q := `SELECT ` + packageColumns + ` FROM call_packages WHERE learner_id = $1 AND id = $2 FOR UPDATE`
	return scanPackage(tx.QueryRowContext(ctx, q, learnerID, packageID))
}

func chargeExists(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	const q = `SELECT 1 FROM minute_charges WHERE idempotency_key = $1 LIMIT 1`
	var one int
	err := tx.QueryRowContext(ctx, q, key).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func insertCharge(ctx context.Context, tx *sql.Tx, c MinuteCharge) error {
	const q = `
INSERT INTO minute_charges (
  id, learner_id, package_id, room_id, minute_index, idempotency_key, remaining_after, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		c.ID,
		c.LearnerID,
		c.PackageID,
		c.RoomID,
		c.MinuteIndex,
		c.IdempotencyKey,
		c.RemainingAfter,
		c.CreatedAt,
	)
	return err
}

func consumeMinute(ctx context.Context, tx *sql.Tx, packageID string, now time.Time) (PackageBalance, error) {
	// The WHERE guard keeps consumed <= total even if the lock were bypassed.
	q := `
UPDATE call_packages
SET consumed_minutes = consumed_minutes + 1,
    status = CASE WHEN consumed_minutes + 1 >= total_minutes THEN 'exhausted' ELSE status END,
    updated_at = $2
WHERE id = $1 AND consumed_minutes + 1 <= total_minutes
RETURNING ` + packageColumns
	p, err := scanPackage(tx.QueryRowContext(ctx, q, packageID, now))
	if errors.Is(err, ErrNotFound) {
		return PackageBalance{}, ErrInvariantViolation
	}
	return p, err
}

func (r *PostgresRepo) ApplyCharge(ctx context.Context, c MinuteCharge, now time.Time) (PackageBalance, bool, error) {
	var (
		out     PackageBalance
		applied bool
	)
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		p, err := lockPackage(ctx, tx, c.LearnerID, c.PackageID)
		if err != nil {
			return err
		}
		out = p

		if ok, err := chargeExists(ctx, tx, c.IdempotencyKey); err != nil {
			return err
		} else if ok {
			return nil
		}
		if p.RemainingMinutes() < 1 {
			return ErrExhausted
		}

		c.RemainingAfter = p.RemainingMinutes() - 1
		if err := insertCharge(ctx, tx, c); err != nil {
			if utils.IsUniqueViolation(err) {
				// Lost a race with a concurrent writer for the same key.
				return errDuplicateCharge
			}
			return err
		}
		updated, err := consumeMinute(ctx, tx, c.PackageID, now)
		if err != nil {
			return err
		}
		out = updated
		applied = true
		return nil
	})
	if errors.Is(err, errDuplicateCharge) {
		p, err := r.GetPackage(ctx, c.LearnerID, c.PackageID)
		return p, false, err
	}
	if err != nil {
		return PackageBalance{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) CountCharges(ctx context.Context, roomID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM minute_charges WHERE room_id = $1`, roomID).Scan(&n)
	return n, err
}

func (r *PostgresRepo) PutReservation(ctx context.Context, res Reservation) error {
	const q = `
INSERT INTO call_reservations (id, learner_id, package_id, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE
SET learner_id = EXCLUDED.learner_id, package_id = EXCLUDED.package_id, created_at = EXCLUDED.created_at
`
	_, err := r.db.ExecContext(ctx, q, res.ID, res.LearnerID, res.PackageID, res.CreatedAt)
	return err
}

func (r *PostgresRepo) GetReservation(ctx context.Context, id string) (Reservation, error) {
	const q = `SELECT id, learner_id, package_id, created_at FROM call_reservations WHERE id = $1`
	var res Reservation
	if err := r.db.QueryRowContext(ctx, q, id).Scan(
		&res.ID,
		&res.LearnerID,
		&res.PackageID,
		&res.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	return res, nil
}

func (r *PostgresRepo) MoveReservation(ctx context.Context, from, to string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE call_reservations SET id = $2 WHERE id = $1`, from, to)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) DeleteReservation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM call_reservations WHERE id = $1`, id)
	return err
}
