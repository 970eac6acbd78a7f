package rental

import "github.com/openfleet/rental-service/internal/model"

// transitions is the authoritative lifecycle table. A status absent from
// the map is terminal.
var transitions = map[model.RentalStatus][]model.RentalStatus{
	model.StatusPending:   {model.StatusConfirmed, model.StatusCancelled},
	model.StatusConfirmed: {model.StatusPickedUp, model.StatusCancelled},
	model.StatusPickedUp:  {model.StatusReturned},
	model.StatusReturned:  {model.StatusReturnApproved},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to model.RentalStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.RentalStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
