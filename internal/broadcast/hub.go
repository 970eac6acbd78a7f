package broadcast

import (
	"sync"

	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/model"
	"go.uber.org/zap"
)

const defaultBuffer = 16

// Hub keeps the registry of connected clients and fans availability
// updates out to them. Delivery is best-effort: a slow client loses
// updates instead of blocking the sender.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
	log    *zap.Logger
}

type Subscriber struct {
	ch chan model.AvailabilityUpdate
}

// Updates is the subscriber's receive channel. It is closed on
// Unsubscribe.
func (s *Subscriber) Updates() <-chan model.AvailabilityUpdate { return s.ch }

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: defaultBuffer,
		log:    log,
	}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan model.AvailabilityUpdate, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast pushes the update to every subscriber without blocking.
func (h *Hub) Broadcast(u model.AvailabilityUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- u:
		default:
			metrics.BroadcastDroppedTotal.Inc()
			h.log.Warn("availability update dropped, slow client",
				zap.String("car_id", u.CarID))
		}
	}
}
