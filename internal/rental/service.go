package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/pricing"
	"github.com/openfleet/rental-service/internal/repository"
	"github.com/openfleet/rental-service/internal/util"
	"go.uber.org/zap"
)

type ctxKey int

const ctxCorrelationID ctxKey = 1

// WithCorrelationID attaches the caller's correlation id; it is carried
// on every event header emitted by the request.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationID, id)
}

func correlationID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxCorrelationID).(string); ok && v != "" {
		return v
	}
	return util.NewULID()
}

// PricingClient is the synchronous pricing dependency, called only on
// confirm. It is a hard dependency there, unlike the availability cache.
type PricingClient interface {
	CalculateCost(ctx context.Context, carID string, start, end time.Time) (pricing.Quote, error)
}

// Service drives the rental lifecycle. Every successful transition
// commits the new state and exactly one outbox row in a single
// transaction.
type Service struct {
	db      *sqlx.DB
	rentals repository.RentalsRepository
	outbox  repository.OutboxRepository
	pricer  PricingClient
	log     *zap.Logger

	pickupGrace   time.Duration
	latePenaltyPD int64 // minor units per started late day

	lifecycleTopic string

	now func() time.Time
}

func NewService(
	db *sqlx.DB,
	rentalsRepo repository.RentalsRepository,
	outboxRepo repository.OutboxRepository,
	pricer PricingClient,
	log *zap.Logger,
	pickupGrace time.Duration,
	latePenaltyPerDay int64,
	lifecycleTopic string,
) *Service {
	if lifecycleTopic == "" {
		lifecycleTopic = "rental.lifecycle"
	}
	return &Service{
		db:             db,
		rentals:        rentalsRepo,
		outbox:         outboxRepo,
		pricer:         pricer,
		log:            log,
		pickupGrace:    pickupGrace,
		latePenaltyPD:  latePenaltyPerDay,
		lifecycleTopic: lifecycleTopic,
		now:            time.Now,
	}
}

// Get loads a rental by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Rental, error) {
	r, err := s.rentals.Load(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// Create books a new rental in PENDING.
func (s *Service) Create(ctx context.Context, carID, renterID string, start, end time.Time) (*model.Rental, error) {
	carID = strings.TrimSpace(carID)
	renterID = strings.TrimSpace(renterID)
	if carID == "" {
		return nil, &ValidationError{Field: "car_id", Reason: "required"}
	}
	if renterID == "" {
		return nil, &ValidationError{Field: "renter_id", Reason: "required"}
	}
	if start.IsZero() || end.IsZero() {
		return nil, &ValidationError{Field: "dates", Reason: "required"}
	}
	if !start.Before(end) {
		return nil, &ValidationError{Field: "dates", Reason: "start_date must be before end_date"}
	}

	now := s.now()
	r := model.Rental{
		ID:        util.NewULID(),
		CarID:     carID,
		RenterID:  renterID,
		StartDate: start.UTC(),
		EndDate:   end.UTC(),
		Status:    model.StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.rentals.Insert(ctx, tx, r); err != nil {
		return nil, fmt.Errorf("insert rental: %w", err)
	}
	if err := s.appendEvent(ctx, tx, r, model.EventRentalCreated, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues("create", "ok").Inc()
	s.log.Info("rental created",
		zap.String("rental_id", r.ID), zap.String("car_id", r.CarID))
	return &r, nil
}

// Confirm prices the rental and moves PENDING -> CONFIRMED, enforcing
// the per-car overlap exclusion at commit time.
func (s *Service) Confirm(ctx context.Context, id string, expectedVersion int64) (*model.Rental, error) {
	r, err := s.loadFor(ctx, id, expectedVersion, model.StatusConfirmed)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("confirm", outcome(err)).Inc()
		return nil, err
	}

	// Priced before the transaction: the pricing call is bounded by the
	// breaker and retry budget, not by the DB transaction.
	quote, err := s.pricer.CalculateCost(ctx, r.CarID, r.StartDate, r.EndDate)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("confirm", "error").Inc()
		s.log.Error("confirm unpriceable", zap.String("rental_id", id), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPricingUnavailable, err)
	}

	expected := r.Version
	r.Status = model.StatusConfirmed
	r.TotalPrice = &quote.Amount
	r.PriceEstimated = quote.Estimated

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.rentals.LockCar(ctx, tx, r.CarID); err != nil {
			return fmt.Errorf("lock car: %w", err)
		}
		overlap, err := s.rentals.HasOverlap(ctx, tx, *r)
		if err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}
		if overlap {
			return ErrOverlapConflict
		}
		if err := s.save(ctx, tx, *r, expected); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, *r, model.EventRentalConfirmed, "")
	})
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("confirm", outcome(err)).Inc()
		if errors.Is(err, ErrOverlapConflict) {
			// Expected under contention; not a system error.
			s.log.Info("confirm lost the car", zap.String("rental_id", id), zap.String("car_id", r.CarID))
		}
		return nil, err
	}
	r.Version++

	metrics.TransitionsTotal.WithLabelValues("confirm", "ok").Inc()
	s.log.Info("rental confirmed",
		zap.String("rental_id", r.ID),
		zap.Int64("total_price", quote.Amount),
		zap.Bool("price_estimated", quote.Estimated))
	return r, nil
}

// Pickup moves CONFIRMED -> PICKED_UP and records the pickup time.
func (s *Service) Pickup(ctx context.Context, id string, expectedVersion int64) (*model.Rental, error) {
	r, err := s.loadFor(ctx, id, expectedVersion, model.StatusPickedUp)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("pickup", outcome(err)).Inc()
		return nil, err
	}

	now := s.now()
	if now.Before(r.StartDate.Add(-s.pickupGrace)) {
		err := &ValidationError{Field: "pickup", Reason: "too early for pickup"}
		metrics.TransitionsTotal.WithLabelValues("pickup", "rejected").Inc()
		return nil, err
	}

	expected := r.Version
	r.Status = model.StatusPickedUp
	r.PickupDate = &now

	if err := s.commitTransition(ctx, r, expected, model.EventRentalPickedUp, ""); err != nil {
		metrics.TransitionsTotal.WithLabelValues("pickup", outcome(err)).Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("pickup", "ok").Inc()
	return r, nil
}

// Return moves PICKED_UP -> RETURNED and records the return time.
func (s *Service) Return(ctx context.Context, id string, expectedVersion int64) (*model.Rental, error) {
	r, err := s.loadFor(ctx, id, expectedVersion, model.StatusReturned)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("return", outcome(err)).Inc()
		return nil, err
	}

	now := s.now()
	expected := r.Version
	r.Status = model.StatusReturned
	r.ReturnDate = &now

	if err := s.commitTransition(ctx, r, expected, model.EventRentalReturned, ""); err != nil {
		metrics.TransitionsTotal.WithLabelValues("return", outcome(err)).Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("return", "ok").Inc()
	return r, nil
}

// ApproveReturn moves RETURNED -> RETURN_APPROVED after operator
// inspection, adding a late penalty when the car came back after the
// booked end date.
func (s *Service) ApproveReturn(ctx context.Context, id, notes string, expectedVersion int64) (*model.Rental, error) {
	r, err := s.loadFor(ctx, id, expectedVersion, model.StatusReturnApproved)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("approve_return", outcome(err)).Inc()
		return nil, err
	}

	expected := r.Version
	r.Status = model.StatusReturnApproved

	if r.ReturnDate != nil && r.ReturnDate.After(r.EndDate) && r.TotalPrice != nil && s.latePenaltyPD > 0 {
		penalty := s.latePenaltyPD * pricing.CeilDays(r.EndDate, *r.ReturnDate)
		total := *r.TotalPrice + penalty
		r.TotalPrice = &total
	}

	if err := s.commitTransition(ctx, r, expected, model.EventRentalReturnApproved, notes); err != nil {
		metrics.TransitionsTotal.WithLabelValues("approve_return", outcome(err)).Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("approve_return", "ok").Inc()
	return r, nil
}

// Cancel moves PENDING or CONFIRMED (before pickup) -> CANCELLED.
func (s *Service) Cancel(ctx context.Context, id, reason string, expectedVersion int64) (*model.Rental, error) {
	r, err := s.loadFor(ctx, id, expectedVersion, model.StatusCancelled)
	if err != nil {
		metrics.TransitionsTotal.WithLabelValues("cancel", outcome(err)).Inc()
		return nil, err
	}

	expected := r.Version
	r.Status = model.StatusCancelled
	if reason = strings.TrimSpace(reason); reason != "" {
		r.CancelReason = &reason
	}

	if err := s.commitTransition(ctx, r, expected, model.EventRentalCancelled, reason); err != nil {
		metrics.TransitionsTotal.WithLabelValues("cancel", outcome(err)).Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues("cancel", "ok").Inc()
	return r, nil
}

// loadFor loads the rental, checks the caller's expected version (0 =
// whatever is persisted) and validates the requested transition.
func (s *Service) loadFor(ctx context.Context, id string, expectedVersion int64, to model.RentalStatus) (*model.Rental, error) {
	r, err := s.rentals.Load(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && expectedVersion != r.Version {
		return nil, &ConcurrentModificationError{RentalID: id, ExpectedVersion: expectedVersion}
	}
	if err := checkTransition(r.Status, to); err != nil {
		return nil, err
	}
	return r, nil
}

// commitTransition persists the mutated rental plus its outbox row.
func (s *Service) commitTransition(ctx context.Context, r *model.Rental, expectedVersion int64, typ model.EventType, reason string) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.save(ctx, tx, *r, expectedVersion); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, *r, typ, reason)
	})
	if err != nil {
		return err
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *Service) save(ctx context.Context, tx *sqlx.Tx, r model.Rental, expectedVersion int64) error {
	err := s.rentals.Save(ctx, tx, r, expectedVersion)
	if errors.Is(err, repository.ErrVersionConflict) {
		return &ConcurrentModificationError{RentalID: r.ID, ExpectedVersion: expectedVersion}
	}
	return err
}

// appendEvent serializes a full snapshot of the new state and inserts
// the outbox row in the caller's transaction.
func (s *Service) appendEvent(ctx context.Context, tx *sqlx.Tx, r model.Rental, typ model.EventType, reason string) error {
	now := s.now()
	ev := model.RentalEvent{
		EventID:        util.NewULID(),
		Type:           typ,
		RentalID:       r.ID,
		CarID:          r.CarID,
		RenterID:       r.RenterID,
		Status:         r.Status,
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		PickupDate:     r.PickupDate,
		ReturnDate:     r.ReturnDate,
		TotalPrice:     r.TotalPrice,
		PriceEstimated: r.PriceEstimated,
		Reason:         reason,
		OccurredAt:     now,
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	headers, err := json.Marshal(map[string]string{
		model.HeaderEventType:     typ.String(),
		model.HeaderSourceService: model.SourceService,
		model.HeaderCorrelationID: correlationID(ctx),
		model.HeaderEventTS:       now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	return s.outbox.Insert(ctx, tx, model.OutboxEvent{
		Aggregate:   "rental",
		AggregateID: r.ID,
		Topic:       s.lifecycleTopic,
		Payload:     payload,
		Headers:     headers,
	})
}

func (s *Service) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func outcome(err error) string {
	var inv *InvalidTransitionError
	var val *ValidationError
	var con *ConcurrentModificationError
	switch {
	case errors.As(err, &inv), errors.As(err, &val):
		return "rejected"
	case errors.As(err, &con), errors.Is(err, ErrOverlapConflict):
		return "conflict"
	default:
		return "error"
	}
}
