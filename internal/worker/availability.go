package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfleet/rental-service/internal/cache"
	"github.com/openfleet/rental-service/internal/kafka"
	"github.com/openfleet/rental-service/internal/model"
	"go.uber.org/zap"
)

// MessageSource is the consuming side of the bus. Satisfied by
// kafka.Consumer.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// AvailabilityWorker consumes the rental lifecycle stream, evicts the
// derived availability cache entry and republishes the compact
// availability signal. Handlers are idempotent: evicting an absent key
// and publishing the same signal twice are both safe, so at-least-once
// redelivery after a crash reprocesses without harm.
type AvailabilityWorker struct {
	Source    MessageSource
	Cache     cache.AvailabilityStore
	Publisher Publisher
	Log       *zap.Logger

	AvailabilityTopic string
	PublishTimeout    time.Duration
}

func NewAvailabilityWorker(src MessageSource, store cache.AvailabilityStore, pub Publisher, availabilityTopic string, log *zap.Logger) *AvailabilityWorker {
	if availabilityTopic == "" {
		availabilityTopic = "car.availability"
	}
	return &AvailabilityWorker{
		Source:            src,
		Cache:             store,
		Publisher:         pub,
		Log:               log,
		AvailabilityTopic: availabilityTopic,
		PublishTimeout:    5 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (w *AvailabilityWorker) Run(ctx context.Context) error {
	w.Log.Info("availability worker started", zap.String("topic", w.AvailabilityTopic))
	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Error("fetch failed", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		w.processOne(ctx, m)
	}
}

// processOne applies the side effects for one lifecycle message and
// commits only after they are durable. Unknown kinds and poison payloads
// are committed and skipped, never errors.
func (w *AvailabilityWorker) processOne(ctx context.Context, m kafka.Message) {
	typ, ok := model.ParseEventType(headerValue(m, model.HeaderEventType))
	if !ok {
		w.Log.Warn("unknown event kind, skipping",
			zap.String("event_type", headerValue(m, model.HeaderEventType)))
		w.commit(ctx, m)
		return
	}

	var ev model.RentalEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.CarID == "" {
		w.Log.Warn("bad event payload, skipping", zap.Error(err))
		w.commit(ctx, m)
		return
	}

	available, signal := model.AvailabilityOf(typ)
	if !signal {
		// No availability change for this kind; nothing to apply.
		w.commit(ctx, m)
		return
	}

	// Evicting an already-evicted key is a no-op, not an error.
	if err := w.Cache.Evict(ctx, ev.CarID); err != nil {
		w.Log.Error("cache evict failed, leaving message for redelivery",
			zap.String("car_id", ev.CarID), zap.Error(err))
		return
	}

	upd := model.AvailabilityUpdate{Event: typ, CarID: ev.CarID, Available: available}
	payload, err := json.Marshal(upd)
	if err != nil {
		w.Log.Error("marshal availability update", zap.Error(err))
		w.commit(ctx, m)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, w.PublishTimeout)
	err = w.Publisher.Publish(pctx, w.AvailabilityTopic, []byte(ev.CarID), payload, []kafka.Header{
		{Key: model.HeaderEventType, Value: []byte(typ)},
		{Key: model.HeaderSourceService, Value: []byte(model.SourceService)},
		{Key: model.HeaderCorrelationID, Value: []byte(headerValue(m, model.HeaderCorrelationID))},
		{Key: model.HeaderEventTS, Value: []byte(headerValue(m, model.HeaderEventTS))},
	})
	cancel()
	if err != nil {
		// Not committed: redelivered and reapplied, both side effects
		// tolerate the repeat.
		w.Log.Error("availability publish failed, leaving message for redelivery",
			zap.String("car_id", ev.CarID), zap.Error(err))
		return
	}

	w.commit(ctx, m)
}

func (w *AvailabilityWorker) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil {
		w.Log.Error("commit failed", zap.Error(err))
	}
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
