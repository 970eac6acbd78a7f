package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/openfleet/rental-service/internal/broadcast"
)

// availabilityStreamHandler serves the live availability push channel
// over SSE. Clients receive {event, car_id, available} messages; a
// dropped client just misses updates, it never blocks the hub.
func availabilityStreamHandler(hub *broadcast.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.WriteHeader(http.StatusOK)
		res.Flush()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case upd, ok := <-sub.Updates():
				if !ok {
					return nil
				}
				b, err := json.Marshal(upd)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(res, "data: %s\n\n", b); err != nil {
					return nil
				}
				res.Flush()
			}
		}
	}
}
