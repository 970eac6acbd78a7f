package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/model"
)

// RentalEventRow is one row of the warehouse read model, loaded off the
// lifecycle topic by the warehouse pipeline.
type RentalEventRow struct {
	EventID    string    `db:"event_id"`
	Type       string    `db:"type"`
	RentalID   string    `db:"rental_id"`
	CarID      string    `db:"car_id"`
	RenterID   string    `db:"renter_id"`
	Status     string    `db:"status"`
	OccurredAt time.Time `db:"occurred_at"`
}

// CHRentalsRepository lists rental history from ClickHouse (final view).
type CHRentalsRepository interface {
	ListByRenter(ctx context.Context, renterID, carID string, status model.RentalStatus, limit, offset int) ([]RentalEventRow, error)
}

type chRentalsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHRentalsRepository(ch *sqlx.DB) CHRentalsRepository {
	return &chRentalsRepository{ch: ch}
}

func (r *chRentalsRepository) ListByRenter(ctx context.Context, renterID, carID string, status model.RentalStatus, limit, offset int) ([]RentalEventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, type, rental_id, car_id, renter_id, status, occurred_at
		FROM rentalsvc.rental_events_latest
		WHERE renter_id = ?
	`
	args := []any{renterID}

	if status != "" {
		q += " AND status = ?"
		args = append(args, status.String())
	}
	if carID != "" {
		q += " AND car_id = ?"
		args = append(args, carID)
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []RentalEventRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
