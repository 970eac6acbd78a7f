package rental

import (
	"errors"
	"fmt"

	"github.com/openfleet/rental-service/internal/model"
)

var (
	// ErrNotFound : no rental exists for the given id.
	ErrNotFound = errors.New("rental not found")
	// ErrOverlapConflict : the car already has a blocking rental on an
	// overlapping date range. Expected business outcome, not an alarm.
	ErrOverlapConflict = errors.New("car not available for the requested dates")
	// ErrPricingUnavailable : the confirm could not be priced at all
	// (fallback included). The booking is not confirmed without a price.
	ErrPricingUnavailable = errors.New("pricing dependency failure")
)

// InvalidTransitionError rejects a transition not present in the
// lifecycle table. Client error; never retried automatically.
type InvalidTransitionError struct {
	From model.RentalStatus
	To   model.RentalStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConcurrentModificationError rejects a save whose expected version is
// stale. The caller may retry with fresh state.
type ConcurrentModificationError struct {
	RentalID        string
	ExpectedVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("rental %s modified concurrently (expected version %d)", e.RentalID, e.ExpectedVersion)
}

// ValidationError rejects bad input before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
