package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/kafka"
	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/repository"
	"go.uber.org/zap"
)

// Publisher pushes one message to the bus. Satisfied by kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error
}

// OutboxPoller drains NEW outbox rows on a fixed interval and publishes
// them keyed by aggregate id. Rows are locked FOR UPDATE SKIP LOCKED, so
// concurrent instances never double-process; a crash between publish and
// commit leaves rows NEW, yielding at-least-once delivery.
type OutboxPoller struct {
	DB        *sqlx.DB
	Outbox    repository.OutboxRepository
	Publisher Publisher
	Log       *zap.Logger

	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	PublishTimeout time.Duration
}

func NewOutboxPoller(db *sqlx.DB, outboxRepo repository.OutboxRepository, pub Publisher, log *zap.Logger) *OutboxPoller {
	return &OutboxPoller{
		DB:             db,
		Outbox:         outboxRepo,
		Publisher:      pub,
		Log:            log,
		Interval:       time.Second,
		BatchSize:      100,
		MaxAttempts:    5,
		PublishTimeout: 5 * time.Second,
	}
}

// Run blocks until ctx is cancelled, draining one page per tick.
func (p *OutboxPoller) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 100
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = 5 * time.Second
	}

	tick := time.NewTicker(p.Interval)
	defer tick.Stop()

	p.Log.Info("outbox poller started",
		zap.Duration("interval", p.Interval), zap.Int("batch_size", p.BatchSize))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := p.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.Log.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// drainOnce fetches one locked page, publishes each row and updates its
// status in the same transaction. One failing row is recorded and
// skipped; it never blocks the rest of the page.
func (p *OutboxPoller) drainOnce(ctx context.Context) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	events, err := p.Outbox.FetchPage(ctx, tx, p.BatchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return tx.Commit()
	}

	for _, ev := range events {
		if err := p.publishOne(ctx, ev); err != nil {
			if markErr := p.recordFailure(ctx, tx, ev, err); markErr != nil {
				return markErr
			}
			continue
		}
		if err := p.Outbox.MarkPublished(ctx, tx, ev.ID); err != nil {
			return err
		}
		metrics.OutboxEventsTotal.WithLabelValues("published").Inc()
	}

	return tx.Commit()
}

func (p *OutboxPoller) publishOne(ctx context.Context, ev model.OutboxEvent) error {
	pctx, cancel := context.WithTimeout(ctx, p.PublishTimeout)
	defer cancel()

	return p.Publisher.Publish(pctx, ev.Topic, []byte(ev.AggregateID), ev.Payload, busHeaders(ev.Headers))
}

func (p *OutboxPoller) recordFailure(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent, cause error) error {
	p.Log.Error("outbox publish failed",
		zap.Int64("outbox_id", ev.ID),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Int("attempts", ev.Attempts+1),
		zap.Error(cause))

	if ev.Attempts+1 >= p.MaxAttempts {
		metrics.OutboxEventsTotal.WithLabelValues("failed").Inc()
		return p.Outbox.MarkFailed(ctx, tx, ev.ID, cause.Error())
	}
	metrics.OutboxEventsTotal.WithLabelValues("retried").Inc()
	return p.Outbox.BumpAttempt(ctx, tx, ev.ID, cause.Error())
}

// busHeaders converts the stored JSON header map into bus headers.
func busHeaders(raw []byte) []kafka.Header {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	hs := make([]kafka.Header, 0, len(m))
	for k, v := range m {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return hs
}
