package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/repository"
)

func listRentalEventsHandler(chRepo repository.CHRentalsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		renterID := strings.TrimSpace(c.QueryParam("renter_id"))
		if renterID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "renter_id required"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var st model.RentalStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			if tmp, ok := model.ParseRentalStatus(raw); ok {
				st = tmp
			}
		}

		carID := strings.TrimSpace(c.QueryParam("car_id"))

		rows, err := chRepo.ListByRenter(
			c.Request().Context(),
			renterID,
			carID,
			st,
			limit,
			offset,
		)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
