package model

import "time"

// SourceService is the value of the source-service header on every
// message this service publishes.
const SourceService = "rental-service"

type EventType string

const (
	EventRentalCreated        EventType = "rental.created"
	EventRentalConfirmed      EventType = "rental.confirmed"
	EventRentalPickedUp       EventType = "rental.picked_up"
	EventRentalReturned       EventType = "rental.returned"
	EventRentalReturnApproved EventType = "rental.return_approved"
	EventRentalCancelled      EventType = "rental.cancelled"
)

func (t EventType) String() string { return string(t) }

// ParseEventType maps a raw event-type header onto the closed set of
// known kinds. Consumers must treat ok=false as "log and skip".
func ParseEventType(raw string) (EventType, bool) {
	t := EventType(raw)
	switch t {
	case EventRentalCreated, EventRentalConfirmed, EventRentalPickedUp,
		EventRentalReturned, EventRentalReturnApproved, EventRentalCancelled:
		return t, true
	default:
		return "", false
	}
}

// RentalEvent is the payload published for every lifecycle transition.
// It is a full snapshot of the new state so consumers can act without
// querying back.
type RentalEvent struct {
	EventID        string       `json:"event_id"`
	Type           EventType    `json:"type"`
	RentalID       string       `json:"rental_id"`
	CarID          string       `json:"car_id"`
	RenterID       string       `json:"renter_id"`
	Status         RentalStatus `json:"status"`
	StartDate      time.Time    `json:"start_date"`
	EndDate        time.Time    `json:"end_date"`
	PickupDate     *time.Time   `json:"pickup_date,omitempty"`
	ReturnDate     *time.Time   `json:"return_date,omitempty"`
	TotalPrice     *int64       `json:"total_price,omitempty"`
	PriceEstimated bool         `json:"price_estimated,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// AvailabilityUpdate is the compact message published on the
// car-availability topic and pushed to connected clients.
type AvailabilityUpdate struct {
	Event     EventType `json:"event"`
	CarID     string    `json:"car_id"`
	Available bool      `json:"available"`
}

// AvailabilityOf maps a lifecycle event onto the availability change it
// implies. ok=false means the event carries no availability signal.
func AvailabilityOf(t EventType) (available, ok bool) {
	switch t {
	case EventRentalConfirmed, EventRentalPickedUp:
		return false, true
	case EventRentalReturnApproved, EventRentalCancelled:
		return true, true
	default:
		return false, false
	}
}
