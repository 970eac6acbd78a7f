package rental

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/pricing"
	"github.com/openfleet/rental-service/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRentalsRepo is an in-memory rentals table with real version CAS
// semantics.
type fakeRentalsRepo struct {
	byID         map[string]model.Rental
	overlap      bool
	saveConflict bool
	lockedCars   []string
}

func newFakeRentalsRepo() *fakeRentalsRepo {
	return &fakeRentalsRepo{byID: map[string]model.Rental{}}
}

func (f *fakeRentalsRepo) Insert(ctx context.Context, tx *sqlx.Tx, r model.Rental) error {
	f.byID[r.ID] = r
	return nil
}

func (f *fakeRentalsRepo) Load(ctx context.Context, id string) (*model.Rental, error) {
	r, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (f *fakeRentalsRepo) Save(ctx context.Context, tx *sqlx.Tx, r model.Rental, expectedVersion int64) error {
	stored, ok := f.byID[r.ID]
	if f.saveConflict || !ok || stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	f.byID[r.ID] = r
	return nil
}

func (f *fakeRentalsRepo) LockCar(ctx context.Context, tx *sqlx.Tx, carID string) error {
	f.lockedCars = append(f.lockedCars, carID)
	return nil
}

func (f *fakeRentalsRepo) HasOverlap(ctx context.Context, tx *sqlx.Tx, r model.Rental) (bool, error) {
	return f.overlap, nil
}

type fakeOutboxRepo struct {
	events []model.OutboxEvent
}

func (f *fakeOutboxRepo) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeOutboxRepo) FetchPage(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	return nil, nil
}
func (f *fakeOutboxRepo) MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error { return nil }
func (f *fakeOutboxRepo) BumpAttempt(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	return nil
}
func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	return nil
}

func (f *fakeOutboxRepo) types(t *testing.T) []model.EventType {
	t.Helper()
	var out []model.EventType
	for _, ev := range f.events {
		var payload model.RentalEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		out = append(out, payload.Type)
	}
	return out
}

type fakePricer struct {
	quote pricing.Quote
	err   error
	calls int
}

func (f *fakePricer) CalculateCost(ctx context.Context, carID string, start, end time.Time) (pricing.Quote, error) {
	f.calls++
	return f.quote, f.err
}

type serviceFixture struct {
	svc     *Service
	rentals *fakeRentalsRepo
	outbox  *fakeOutboxRepo
	pricer  *fakePricer
	mock    sqlmock.Sqlmock
	now     time.Time
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &serviceFixture{
		rentals: newFakeRentalsRepo(),
		outbox:  &fakeOutboxRepo{},
		pricer:  &fakePricer{quote: pricing.Quote{Amount: 9800}},
		mock:    mock,
		now:     time.Date(2026, 9, 10, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(
		sqlx.NewDb(db, "mysql"), f.rentals, f.outbox, f.pricer, zap.NewNop(),
		2*time.Hour, 6000, "rental.lifecycle",
	)
	f.svc.now = func() time.Time { return f.now }
	return f
}

// expectTx queues one successful business transaction.
func (f *serviceFixture) expectTx() {
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
}

// expectRollback queues one aborted business transaction.
func (f *serviceFixture) expectRollback() {
	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
}

func (f *serviceFixture) create(t *testing.T) *model.Rental {
	t.Helper()
	f.expectTx()
	r, err := f.svc.Create(context.Background(), "car-1", "u-1",
		f.now.Add(24*time.Hour), f.now.Add(96*time.Hour))
	require.NoError(t, err)
	return r
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	assert.Equal(t, model.StatusPending, r.Status)
	assert.Equal(t, int64(1), r.Version)
	assert.NotEmpty(t, r.ID)
	assert.Nil(t, r.TotalPrice)

	require.Len(t, f.outbox.events, 1)
	ev := f.outbox.events[0]
	assert.Equal(t, "rental", ev.Aggregate)
	assert.Equal(t, r.ID, ev.AggregateID)
	assert.Equal(t, "rental.lifecycle", ev.Topic)
	assert.Equal(t, []model.EventType{model.EventRentalCreated}, f.outbox.types(t))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start, end := f.now.Add(24*time.Hour), f.now.Add(48*time.Hour)

	cases := []struct {
		name            string
		carID, renterID string
		start, end      time.Time
	}{
		{"missing car", "", "u-1", start, end},
		{"missing renter", "car-1", "", start, end},
		{"zero dates", "car-1", "u-1", time.Time{}, time.Time{}},
		{"inverted dates", "car-1", "u-1", end, start},
		{"equal dates", "car-1", "u-1", start, start},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.carID, tc.renterID, tc.start, tc.end)
			var val *ValidationError
			assert.ErrorAs(t, err, &val)
		})
	}
	assert.Empty(t, f.outbox.events, "no event without a committed state change")
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	f.expectTx()
	got, err := f.svc.Confirm(context.Background(), r.ID, r.Version)
	require.NoError(t, err)

	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.TotalPrice)
	assert.Equal(t, int64(9800), *got.TotalPrice)
	assert.False(t, got.PriceEstimated)

	assert.Equal(t, []string{"car-1"}, f.rentals.lockedCars, "overlap check runs under the car lock")
	assert.Equal(t, []model.EventType{model.EventRentalCreated, model.EventRentalConfirmed}, f.outbox.types(t))
}

func TestConfirmEstimatedPriceIsFlagged(t *testing.T) {
	f := newFixture(t)
	f.pricer.quote = pricing.Quote{Amount: 14700, Estimated: true}
	r := f.create(t)

	f.expectTx()
	got, err := f.svc.Confirm(context.Background(), r.ID, r.Version)
	require.NoError(t, err)
	assert.True(t, got.PriceEstimated)

	var payload model.RentalEvent
	require.NoError(t, json.Unmarshal(f.outbox.events[1].Payload, &payload))
	assert.True(t, payload.PriceEstimated)
}

func TestConfirmOverlapConflict(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	f.rentals.overlap = true

	f.expectRollback()
	_, err := f.svc.Confirm(context.Background(), r.ID, r.Version)
	assert.ErrorIs(t, err, ErrOverlapConflict)

	stored, loadErr := f.rentals.Load(context.Background(), r.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, model.StatusPending, stored.Status, "losing confirm leaves the rental untouched")
	assert.Equal(t, []model.EventType{model.EventRentalCreated}, f.outbox.types(t))
}

func TestConfirmPricingUnavailable(t *testing.T) {
	f := newFixture(t)
	f.pricer.err = pricing.ErrBadQuoteRequest
	r := f.create(t)

	_, err := f.svc.Confirm(context.Background(), r.ID, r.Version)
	assert.ErrorIs(t, err, ErrPricingUnavailable)

	stored, _ := f.rentals.Load(context.Background(), r.ID)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Len(t, f.outbox.events, 1)
}

func TestConfirmStaleVersion(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	_, err := f.svc.Confirm(context.Background(), r.ID, r.Version+5)
	var con *ConcurrentModificationError
	require.ErrorAs(t, err, &con)
	assert.Equal(t, r.ID, con.RentalID)
	assert.Equal(t, 0, f.pricer.calls, "stale callers never reach the pricing dependency")
}

func TestConfirmLostRace(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	f.rentals.saveConflict = true

	f.expectRollback()
	_, err := f.svc.Confirm(context.Background(), r.ID, 0)
	var con *ConcurrentModificationError
	assert.ErrorAs(t, err, &con)
}

func TestConfirmInvalidFromStatus(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	f.expectTx()
	_, err := f.svc.Confirm(context.Background(), r.ID, 0)
	require.NoError(t, err)

	// confirming twice is a lifecycle violation, not a conflict
	_, err = f.svc.Confirm(context.Background(), r.ID, 0)
	var inv *InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, model.StatusConfirmed, inv.From)
	assert.Equal(t, model.StatusConfirmed, inv.To)
}

func TestPickupTooEarly(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	f.expectTx()
	_, err := f.svc.Confirm(context.Background(), r.ID, 0)
	require.NoError(t, err)

	// start is now+24h, grace is 2h: pickup must wait until now+22h
	_, err = f.svc.Pickup(context.Background(), r.ID, 0)
	var val *ValidationError
	require.ErrorAs(t, err, &val)
	assert.Equal(t, "pickup", val.Field)
}

func TestPickupWithinGrace(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)
	f.expectTx()
	_, err := f.svc.Confirm(context.Background(), r.ID, 0)
	require.NoError(t, err)

	f.now = f.now.Add(23 * time.Hour) // inside the 2h grace window
	f.expectTx()
	got, err := f.svc.Pickup(context.Background(), r.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPickedUp, got.Status)
	require.NotNil(t, got.PickupDate)
	assert.Equal(t, f.now, *got.PickupDate)
	assert.Equal(t, int64(3), got.Version)
}

func TestCancelWithReason(t *testing.T) {
	f := newFixture(t)
	r := f.create(t)

	f.expectTx()
	got, err := f.svc.Cancel(context.Background(), r.ID, "  changed plans ", 0)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "changed plans", *got.CancelReason)

	var payload model.RentalEvent
	require.NoError(t, json.Unmarshal(f.outbox.events[1].Payload, &payload))
	assert.Equal(t, "changed plans", payload.Reason)
}

func TestCancelAfterPickupRejected(t *testing.T) {
	f := newFixture(t)
	r := f.lifecycleTo(t, model.StatusPickedUp)

	_, err := f.svc.Cancel(context.Background(), r.ID, "too late", 0)
	var inv *InvalidTransitionError
	assert.ErrorAs(t, err, &inv)
}

func TestApproveReturnOnTime(t *testing.T) {
	f := newFixture(t)
	r := f.lifecycleTo(t, model.StatusReturned)

	f.expectTx()
	got, err := f.svc.ApproveReturn(context.Background(), r.ID, "clean", 0)
	require.NoError(t, err)

	assert.Equal(t, model.StatusReturnApproved, got.Status)
	require.NotNil(t, got.TotalPrice)
	assert.Equal(t, int64(9800), *got.TotalPrice, "no penalty for an on-time return")
}

func TestApproveReturnLatePenalty(t *testing.T) {
	f := newFixture(t)
	r := f.lifecycleTo(t, model.StatusPickedUp)

	// returned 36h after the booked end date => 2 started late days
	f.now = r.EndDate.Add(36 * time.Hour)
	f.expectTx()
	_, err := f.svc.Return(context.Background(), r.ID, 0)
	require.NoError(t, err)

	f.expectTx()
	got, err := f.svc.ApproveReturn(context.Background(), r.ID, "", 0)
	require.NoError(t, err)

	require.NotNil(t, got.TotalPrice)
	assert.Equal(t, int64(9800+2*6000), *got.TotalPrice)
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFullLifecycleEmitsOrderedEvents(t *testing.T) {
	f := newFixture(t)
	r := f.lifecycleTo(t, model.StatusReturned)

	f.expectTx()
	got, err := f.svc.ApproveReturn(context.Background(), r.ID, "ok", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version)

	assert.Equal(t, []model.EventType{
		model.EventRentalCreated,
		model.EventRentalConfirmed,
		model.EventRentalPickedUp,
		model.EventRentalReturned,
		model.EventRentalReturnApproved,
	}, f.outbox.types(t))

	for _, ev := range f.outbox.events {
		assert.Equal(t, r.ID, ev.AggregateID, "every event keys on the same aggregate")
		var headers map[string]string
		require.NoError(t, json.Unmarshal(ev.Headers, &headers))
		assert.Equal(t, model.SourceService, headers[model.HeaderSourceService])
		assert.NotEmpty(t, headers[model.HeaderEventType])
		assert.NotEmpty(t, headers[model.HeaderCorrelationID])
	}
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCorrelationIDPropagates(t *testing.T) {
	f := newFixture(t)
	ctx := WithCorrelationID(context.Background(), "corr-42")

	f.expectTx()
	_, err := f.svc.Create(ctx, "car-1", "u-1", f.now.Add(24*time.Hour), f.now.Add(48*time.Hour))
	require.NoError(t, err)

	var headers map[string]string
	require.NoError(t, json.Unmarshal(f.outbox.events[0].Headers, &headers))
	assert.Equal(t, "corr-42", headers[model.HeaderCorrelationID])
}

// lifecycleTo drives a fresh rental to the given status.
func (f *serviceFixture) lifecycleTo(t *testing.T, target model.RentalStatus) *model.Rental {
	t.Helper()
	r := f.create(t)
	if target == model.StatusPending {
		return r
	}

	f.expectTx()
	r, err := f.svc.Confirm(context.Background(), r.ID, 0)
	require.NoError(t, err)
	if target == model.StatusConfirmed {
		return r
	}

	f.now = r.StartDate
	f.expectTx()
	r, err = f.svc.Pickup(context.Background(), r.ID, 0)
	require.NoError(t, err)
	if target == model.StatusPickedUp {
		return r
	}

	f.now = r.EndDate
	f.expectTx()
	r, err = f.svc.Return(context.Background(), r.ID, 0)
	require.NoError(t, err)
	return r
}
