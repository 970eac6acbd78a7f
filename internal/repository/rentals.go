package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/model"
)

var (
	// ErrNotFound is returned when no rental row exists for the id.
	ErrNotFound = errors.New("rental not found")
	// ErrVersionConflict is returned by Save when the stored version does
	// not match the expected one (a concurrent writer won).
	ErrVersionConflict = errors.New("rental version conflict")
)

// RentalsRepository defines persistence for the rentals table.
type RentalsRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, r model.Rental) error
	Load(ctx context.Context, id string) (*model.Rental, error)
	// Save applies the new state with version = expectedVersion + 1.
	// Fails with ErrVersionConflict if expectedVersion is stale.
	Save(ctx context.Context, tx *sqlx.Tx, r model.Rental, expectedVersion int64) error
	// LockCar serializes confirmations per car by taking a row lock on
	// car_booking_locks. Must be called before HasOverlap inside the
	// confirming transaction.
	LockCar(ctx context.Context, tx *sqlx.Tx, carID string) error
	// HasOverlap reports whether another blocking rental (CONFIRMED or
	// PICKED_UP) overlaps [start, end) for the car.
	HasOverlap(ctx context.Context, tx *sqlx.Tx, r model.Rental) (bool, error)
}

type RentalsRepositoryImpl struct {
	db *sqlx.DB
}

func NewRentalsRepository(db *sqlx.DB) *RentalsRepositoryImpl {
	return &RentalsRepositoryImpl{db: db}
}

var _ RentalsRepository = (*RentalsRepositoryImpl)(nil)

func (r *RentalsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, m model.Rental) error {
	const q = `
		INSERT INTO rentals
		    (id, car_id, renter_id, start_date, end_date, status, version, created_at, updated_at)
		VALUES
		    (?,  ?,      ?,         ?,          ?,        ?,      1,       NOW(),      NOW())
	`
	_, err := tx.ExecContext(ctx, q,
		m.ID, m.CarID, m.RenterID, m.StartDate, m.EndDate, m.Status.String(),
	)
	return err
}

func (r *RentalsRepositoryImpl) Load(ctx context.Context, id string) (*model.Rental, error) {
	var m model.Rental
	err := r.db.GetContext(ctx, &m, `
		SELECT id, car_id, renter_id, start_date, end_date, pickup_date, return_date,
		       status, total_price, price_estimated, cancel_reason, version, created_at, updated_at
		  FROM rentals
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *RentalsRepositoryImpl) Save(ctx context.Context, tx *sqlx.Tx, m model.Rental, expectedVersion int64) error {
	const q = `
		UPDATE rentals
		   SET status = ?, pickup_date = ?, return_date = ?, total_price = ?,
		       price_estimated = ?, cancel_reason = ?, version = version + 1, updated_at = NOW()
		 WHERE id = ? AND version = ?
	`
	res, err := tx.ExecContext(ctx, q,
		m.Status.String(), m.PickupDate, m.ReturnDate, m.TotalPrice,
		m.PriceEstimated, m.CancelReason, m.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// LockCar upserts the per-car lock row and then locks it FOR UPDATE. Two
// transactions confirming the same car block here, so the subsequent
// overlap scan sees every committed blocking rental.
func (r *RentalsRepositoryImpl) LockCar(ctx context.Context, tx *sqlx.Tx, carID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO car_booking_locks (car_id)
		VALUES (?)
		ON DUPLICATE KEY UPDATE car_id = car_id
	`, carID); err != nil {
		return err
	}

	var locked string
	return tx.QueryRowxContext(ctx, `
		SELECT car_id FROM car_booking_locks WHERE car_id = ? FOR UPDATE
	`, carID).Scan(&locked)
}

func (r *RentalsRepositoryImpl) HasOverlap(ctx context.Context, tx *sqlx.Tx, m model.Rental) (bool, error) {
	// Half-open intervals: [a, b) and [c, d) overlap iff a < d AND c < b.
	var one int
	err := tx.QueryRowxContext(ctx, `
		SELECT 1
		  FROM rentals
		 WHERE car_id = ?
		   AND id <> ?
		   AND status IN (?, ?)
		   AND start_date < ?
		   AND end_date > ?
		 LIMIT 1
	`, m.CarID, m.ID, model.StatusConfirmed.String(), model.StatusPickedUp.String(),
		m.EndDate, m.StartDate,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
