package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/kafka"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeOutboxRepo keeps outbox rows in memory, in insertion order.
type fakeOutboxRepo struct {
	rows []model.OutboxEvent
}

func (f *fakeOutboxRepo) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	ev.ID = int64(len(f.rows) + 1)
	ev.Status = model.OutboxStatusNew
	f.rows = append(f.rows, ev)
	return nil
}

func (f *fakeOutboxRepo) FetchPage(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	var page []model.OutboxEvent
	for _, r := range f.rows {
		if r.Status != model.OutboxStatusNew {
			continue
		}
		page = append(page, r)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (f *fakeOutboxRepo) MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error {
	return f.update(id, func(r *model.OutboxEvent) {
		r.Status = model.OutboxStatusPublished
		now := time.Now()
		r.PublishedAt = &now
	})
}

func (f *fakeOutboxRepo) BumpAttempt(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	return f.update(id, func(r *model.OutboxEvent) {
		r.Attempts++
		r.LastError = &lastErr
	})
}

func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	return f.update(id, func(r *model.OutboxEvent) {
		r.Status = model.OutboxStatusFailed
		r.Attempts++
		r.LastError = &lastErr
	})
}

func (f *fakeOutboxRepo) update(id int64, fn func(*model.OutboxEvent)) error {
	for i := range f.rows {
		if f.rows[i].ID == id {
			fn(&f.rows[i])
			return nil
		}
	}
	return errors.New("row not found")
}

type published struct {
	topic   string
	key     string
	value   []byte
	headers []kafka.Header
}

// fakePublisher records publishes and fails for keys in failKeys.
type fakePublisher struct {
	sent     []published
	failKeys map[string]bool
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if f.failKeys[string(key)] {
		return errors.New("broker unreachable")
	}
	f.sent = append(f.sent, published{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func newTestPoller(t *testing.T, repo *fakeOutboxRepo, pub *fakePublisher) (*OutboxPoller, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := NewOutboxPoller(sqlx.NewDb(db, "mysql"), repo, pub, zap.NewNop())
	p.MaxAttempts = 3
	return p, mock
}

func outboxRow(id int64, aggregateID string) model.OutboxEvent {
	headers, _ := json.Marshal(map[string]string{
		model.HeaderEventType:     "rental.confirmed",
		model.HeaderSourceService: model.SourceService,
	})
	return model.OutboxEvent{
		ID:          id,
		Aggregate:   "rental",
		AggregateID: aggregateID,
		Topic:       "rental.lifecycle",
		Payload:     []byte(`{"rental_id":"` + aggregateID + `"}`),
		Headers:     headers,
		Status:      model.OutboxStatusNew,
		CreatedAt:   time.Now(),
	}
}

func TestDrainOncePublishesInOrder(t *testing.T) {
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{
		outboxRow(1, "r-1"), outboxRow(2, "r-2"), outboxRow(3, "r-3"),
	}}
	pub := &fakePublisher{}
	p, mock := newTestPoller(t, repo, pub)
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))

	require.Len(t, pub.sent, 3)
	assert.Equal(t, []string{"r-1", "r-2", "r-3"},
		[]string{pub.sent[0].key, pub.sent[1].key, pub.sent[2].key})
	assert.Equal(t, "rental.lifecycle", pub.sent[0].topic)
	for _, r := range repo.rows {
		assert.Equal(t, model.OutboxStatusPublished, r.Status)
		assert.NotNil(t, r.PublishedAt)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnceForwardsStoredHeaders(t *testing.T) {
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{outboxRow(1, "r-1")}}
	pub := &fakePublisher{}
	p, mock := newTestPoller(t, repo, pub)
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))

	require.Len(t, pub.sent, 1)
	got := map[string]string{}
	for _, h := range pub.sent[0].headers {
		got[h.Key] = string(h.Value)
	}
	assert.Equal(t, "rental.confirmed", got[model.HeaderEventType])
	assert.Equal(t, model.SourceService, got[model.HeaderSourceService])
}

func TestDrainOnceFailedRowIsSkippedNotBlocking(t *testing.T) {
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{
		outboxRow(1, "r-1"), outboxRow(2, "r-poison"), outboxRow(3, "r-3"),
	}}
	pub := &fakePublisher{failKeys: map[string]bool{"r-poison": true}}
	p, mock := newTestPoller(t, repo, pub)
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))

	// the healthy rows around the failure still go out
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "r-1", pub.sent[0].key)
	assert.Equal(t, "r-3", pub.sent[1].key)

	assert.Equal(t, model.OutboxStatusPublished, repo.rows[0].Status)
	assert.Equal(t, model.OutboxStatusPublished, repo.rows[2].Status)

	// failed row stays NEW with the attempt recorded
	assert.Equal(t, model.OutboxStatusNew, repo.rows[1].Status)
	assert.Equal(t, 1, repo.rows[1].Attempts)
	require.NotNil(t, repo.rows[1].LastError)
	assert.Contains(t, *repo.rows[1].LastError, "broker unreachable")
}

func TestDrainOnceMarksFailedAtMaxAttempts(t *testing.T) {
	row := outboxRow(1, "r-poison")
	row.Attempts = 2 // next failure is the third and last
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{row}}
	pub := &fakePublisher{failKeys: map[string]bool{"r-poison": true}}
	p, mock := newTestPoller(t, repo, pub)
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))

	assert.Equal(t, model.OutboxStatusFailed, repo.rows[0].Status)
	assert.Equal(t, 3, repo.rows[0].Attempts)
}

func TestDrainOncePublishedRowsAreNotRefetched(t *testing.T) {
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{outboxRow(1, "r-1")}}
	pub := &fakePublisher{}
	p, mock := newTestPoller(t, repo, pub)
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))
	require.NoError(t, p.drainOnce(context.Background()))

	assert.Len(t, pub.sent, 1, "a published row must not be delivered again")
}

func TestDrainOnceEmptyPage(t *testing.T) {
	p, mock := newTestPoller(t, &fakeOutboxRepo{}, &fakePublisher{})
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainOnceRespectsBatchSize(t *testing.T) {
	repo := &fakeOutboxRepo{rows: []model.OutboxEvent{
		outboxRow(1, "r-1"), outboxRow(2, "r-2"), outboxRow(3, "r-3"),
	}}
	pub := &fakePublisher{}
	p, mock := newTestPoller(t, repo, pub)
	p.BatchSize = 2
	mock.ExpectBegin()
	mock.ExpectCommit()

	require.NoError(t, p.drainOnce(context.Background()))

	assert.Len(t, pub.sent, 2)
	assert.Equal(t, model.OutboxStatusNew, repo.rows[2].Status)
}

func TestBusHeaders(t *testing.T) {
	raw, _ := json.Marshal(map[string]string{"event-type": "rental.created"})
	hs := busHeaders(raw)
	require.Len(t, hs, 1)
	assert.Equal(t, "event-type", hs[0].Key)
	assert.Equal(t, "rental.created", string(hs[0].Value))

	assert.Nil(t, busHeaders(nil))
	assert.Nil(t, busHeaders([]byte("not json")))
}
