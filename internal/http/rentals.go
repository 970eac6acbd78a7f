package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/rental"
	"github.com/openfleet/rental-service/internal/util"
)

type createRentalReq struct {
	CarID     string    `json:"car_id"`
	RenterID  string    `json:"renter_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

type transitionReq struct {
	Version int64  `json:"version"` // optional; 0 = current
	Reason  string `json:"reason"`  // cancel
	Notes   string `json:"notes"`   // approve-return
}

func createRentalHandler(svc *rental.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createRentalReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		ctx := withCorrelation(c)
		r, err := svc.Create(ctx, req.CarID, req.RenterID, req.StartDate, req.EndDate)
		if err != nil {
			return writeRentalError(c, err)
		}
		return c.JSON(http.StatusCreated, rentalView(r))
	}
}

func getRentalHandler(svc *rental.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		r, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeRentalError(c, err)
		}
		return c.JSON(http.StatusOK, rentalView(r))
	}
}

// transitionHandler maps one command 1:1 onto a state machine transition.
func transitionHandler(svc *rental.Service, command string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req transitionReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		ctx := withCorrelation(c)
		id := c.Param("id")

		var (
			r   *model.Rental
			err error
		)
		switch command {
		case "confirm":
			r, err = svc.Confirm(ctx, id, req.Version)
		case "pickup":
			r, err = svc.Pickup(ctx, id, req.Version)
		case "return":
			r, err = svc.Return(ctx, id, req.Version)
		case "approve-return":
			r, err = svc.ApproveReturn(ctx, id, req.Notes, req.Version)
		case "cancel":
			r, err = svc.Cancel(ctx, id, req.Reason, req.Version)
		default:
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown command"})
		}
		if err != nil {
			return writeRentalError(c, err)
		}
		return c.JSON(http.StatusOK, rentalView(r))
	}
}

// withCorrelation propagates the gateway's correlation id, minting one
// when absent.
func withCorrelation(c echo.Context) context.Context {
	corr := strings.TrimSpace(c.Request().Header.Get("X-Correlation-ID"))
	if corr == "" {
		corr = util.NewULID()
	}
	return rental.WithCorrelationID(c.Request().Context(), corr)
}

func rentalView(r *model.Rental) map[string]any {
	return map[string]any{
		"id":              r.ID,
		"car_id":          r.CarID,
		"renter_id":       r.RenterID,
		"start_date":      r.StartDate,
		"end_date":        r.EndDate,
		"pickup_date":     r.PickupDate,
		"return_date":     r.ReturnDate,
		"status":          r.Status,
		"total_price":     r.TotalPrice,
		"price_estimated": r.PriceEstimated,
		"version":         r.Version,
	}
}

// writeRentalError maps domain failures onto distinguishable responses.
func writeRentalError(c echo.Context, err error) error {
	var (
		inv *rental.InvalidTransitionError
		con *rental.ConcurrentModificationError
		val *rental.ValidationError
	)
	switch {
	case errors.As(err, &val):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "validation", "description": val.Error(),
		})
	case errors.As(err, &inv):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "invalid_transition", "description": inv.Error(),
		})
	case errors.As(err, &con):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "concurrent_modification", "description": con.Error(),
		})
	case errors.Is(err, rental.ErrOverlapConflict):
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "car_unavailable", "description": err.Error(),
		})
	case errors.Is(err, rental.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, rental.ErrPricingUnavailable):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "pricing_unavailable", "description": "booking could not be priced",
		})
	default:
		log.Errorf("rental command failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
