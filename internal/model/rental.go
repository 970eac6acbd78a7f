package model

import "time"

// RentalStatus is the lifecycle state of a booking.
type RentalStatus string

const (
	StatusPending        RentalStatus = "PENDING"
	StatusConfirmed      RentalStatus = "CONFIRMED"
	StatusPickedUp       RentalStatus = "PICKED_UP"
	StatusReturned       RentalStatus = "RETURNED"
	StatusReturnApproved RentalStatus = "RETURN_APPROVED"
	StatusCancelled      RentalStatus = "CANCELLED"
)

func (s RentalStatus) String() string { return string(s) }

func (s RentalStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPickedUp,
		StatusReturned, StatusReturnApproved, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition leaves this status.
func (s RentalStatus) Terminal() bool {
	return s == StatusReturnApproved || s == StatusCancelled
}

// Blocking reports whether a rental in this status makes the car
// unavailable for overlapping dates.
func (s RentalStatus) Blocking() bool {
	return s == StatusConfirmed || s == StatusPickedUp
}

// ParseRentalStatus maps a raw string onto the closed status set.
func ParseRentalStatus(raw string) (RentalStatus, bool) {
	s := RentalStatus(raw)
	return s, s.Valid()
}

// Rental is one booking of one car for a date range. TotalPrice is in
// minor units and set on confirm; PriceEstimated marks fallback prices
// pending reconciliation. Version backs optimistic concurrency.
type Rental struct {
	ID             string       `db:"id"`
	CarID          string       `db:"car_id"`
	RenterID       string       `db:"renter_id"`
	StartDate      time.Time    `db:"start_date"`
	EndDate        time.Time    `db:"end_date"`
	PickupDate     *time.Time   `db:"pickup_date"`
	ReturnDate     *time.Time   `db:"return_date"`
	Status         RentalStatus `db:"status"`
	TotalPrice     *int64       `db:"total_price"`
	PriceEstimated bool         `db:"price_estimated"`
	CancelReason   *string      `db:"cancel_reason"`
	Version        int64        `db:"version"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}
