package model

import "time"

type OutboxStatus string

const (
	OutboxStatusNew       OutboxStatus = "NEW"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

func (s OutboxStatus) String() string { return string(s) }

// Header keys attached to every published message.
const (
	HeaderEventType     = "event-type"
	HeaderSourceService = "source-service"
	HeaderCorrelationID = "correlation-id"
	HeaderEventTS       = "event-timestamp"
)

// OutboxEvent is one row of the outbox_event table. Rows are inserted by
// the business transaction with status NEW and mutated only by the
// poller (NEW -> PUBLISHED | FAILED). Rows are retained as an audit trail.
type OutboxEvent struct {
	ID          int64        `db:"id"`
	Aggregate   string       `db:"aggregate"`    // e.g. "rental"
	AggregateID string       `db:"aggregate_id"` // rental id; message key on the bus
	Topic       string       `db:"topic"`
	Payload     []byte       `db:"payload"`
	Headers     []byte       `db:"headers"` // JSON map[string]string
	Status      OutboxStatus `db:"status"`
	Attempts    int          `db:"attempts"`
	LastError   *string      `db:"last_error"`
	CreatedAt   time.Time    `db:"created_at"`
	PublishedAt *time.Time   `db:"published_at"`
}
