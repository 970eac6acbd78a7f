package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openfleet/rental-service/internal/broadcast"
	"github.com/openfleet/rental-service/internal/model"
	"go.uber.org/zap"
)

// BroadcastPump feeds the in-process broadcaster hub from the
// car-availability topic. It runs inside the HTTP server process so SSE
// clients see updates regardless of which worker produced them.
// Delivery to clients is best-effort, so messages are committed as soon
// as they are handed to the hub.
type BroadcastPump struct {
	Source MessageSource
	Hub    *broadcast.Hub
	Log    *zap.Logger
}

func NewBroadcastPump(src MessageSource, hub *broadcast.Hub, log *zap.Logger) *BroadcastPump {
	return &BroadcastPump{Source: src, Hub: hub, Log: log}
}

func (p *BroadcastPump) Run(ctx context.Context) error {
	p.Log.Info("broadcast pump started")
	for {
		m, err := p.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.Log.Error("fetch failed", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}

		var upd model.AvailabilityUpdate
		if err := json.Unmarshal(m.Value, &upd); err == nil && upd.CarID != "" {
			p.Hub.Broadcast(upd)
		} else {
			p.Log.Warn("bad availability payload, skipping", zap.Error(err))
		}

		if err := p.Source.Commit(ctx, m); err != nil {
			p.Log.Error("commit failed", zap.Error(err))
		}
	}
}
