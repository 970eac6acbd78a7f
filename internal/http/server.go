package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/openfleet/rental-service/internal/broadcast"
	"github.com/openfleet/rental-service/internal/config"
	"github.com/openfleet/rental-service/internal/http/middleware"
	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/pricing"
	"github.com/openfleet/rental-service/internal/rental"
	"github.com/openfleet/rental-service/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client, hub *broadcast.Hub, log *zap.Logger) *Server {
	// repos (MySQL)
	rentalsRepo := repository.NewRentalsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chRentalsRepo := repository.NewCHRentalsRepository(clickhouseDB)

	// pricing gateway
	pricer := pricing.NewClient(pricing.Config{
		BaseURL:       cfg.Pricing.BaseURL,
		QuotePath:     cfg.Pricing.QuotePath,
		Timeout:       time.Duration(cfg.Pricing.TimeoutMs) * time.Millisecond,
		Attempts:      cfg.Pricing.Attempts,
		Backoff:       cfg.Pricing.Backoff,
		FailThreshold: cfg.Pricing.Breaker.FailThreshold,
		OpenFor:       time.Duration(cfg.Pricing.Breaker.OpenForMs) * time.Millisecond,
		FlatDailyRate: cfg.Pricing.FlatDailyRate,
	}, log)

	svc := rental.NewService(
		mysqlDB,
		rentalsRepo,
		outboxRepo,
		pricer,
		log,
		cfg.Rental.PickupGrace,
		cfg.Rental.LatePenaltyPD,
		cfg.Kafka.LifecycleTopic,
	)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// breaker state for the ops surface
	e.GET("/internal/pricing/breaker", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"state": pricer.State().String()})
	})

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:renter:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", rlMW)
	v1.POST("/rentals", createRentalHandler(svc))
	v1.GET("/rentals/:id", getRentalHandler(svc))
	v1.POST("/rentals/:id/confirm", transitionHandler(svc, "confirm"))
	v1.POST("/rentals/:id/pickup", transitionHandler(svc, "pickup"))
	v1.POST("/rentals/:id/return", transitionHandler(svc, "return"))
	v1.POST("/rentals/:id/approve-return", transitionHandler(svc, "approve-return"))
	v1.POST("/rentals/:id/cancel", transitionHandler(svc, "cancel"))
	v1.GET("/reports/rentals", listRentalEventsHandler(chRentalsRepo))
	v1.GET("/availability/stream", availabilityStreamHandler(hub))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
