package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/model"
)

// OutboxRepository defines persistence for the outbox_event table.
// Insert is called by the business transaction; every other method
// belongs to the poller, the only writer of the status column.
type OutboxRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error
	// FetchPage selects up to limit NEW rows, oldest first, locking them
	// FOR UPDATE SKIP LOCKED so concurrent poller instances never pick
	// the same rows.
	FetchPage(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error
	// BumpAttempt records a failed publish and leaves the row NEW for the
	// next cycle.
	BumpAttempt(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox_event
		    (aggregate, aggregate_id, topic, payload, headers, status, attempts, created_at)
		VALUES
		    (?, ?, ?, ?, ?, 'NEW', 0, NOW(6))
	`
	_, err := tx.ExecContext(ctx, q,
		ev.Aggregate, ev.AggregateID, ev.Topic, ev.Payload, ev.Headers,
	)
	return err
}

func (r *OutboxRepositoryImpl) FetchPage(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := tx.SelectContext(ctx, &rows, `
		SELECT id, aggregate, aggregate_id, topic, payload, headers,
		       status, attempts, last_error, created_at, published_at
		  FROM outbox_event
		 WHERE status = 'NEW'
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_event
		   SET status = 'PUBLISHED', published_at = NOW(6), last_error = NULL
		 WHERE id = ?
	`, id)
	return err
}

func (r *OutboxRepositoryImpl) BumpAttempt(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_event
		   SET attempts = attempts + 1, last_error = ?
		 WHERE id = ?
	`, lastErr, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, lastErr string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_event
		   SET status = 'FAILED', attempts = attempts + 1, last_error = ?
		 WHERE id = ?
	`, lastErr, id)
	return err
}
