package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openfleet/rental-service/internal/metrics"
	"go.uber.org/zap"
)

// ErrBadQuoteRequest means the request itself is unpriceable (empty car
// id, inverted dates). No fallback applies; the caller must fail.
var ErrBadQuoteRequest = errors.New("pricing: unpriceable request")

// Quote is a total cost in minor units. Estimated marks values produced
// by the flat-rate fallback so billing reconciliation can re-price them.
type Quote struct {
	Amount    int64
	Estimated bool
}

type Config struct {
	BaseURL       string
	QuotePath     string
	Timeout       time.Duration
	Attempts      int
	Backoff       time.Duration
	FailThreshold int
	OpenFor       time.Duration
	FlatDailyRate int64
}

// Client calls the external pricing service behind a circuit breaker and
// a bounded retry loop, falling back to a flat daily rate when the
// dependency is unavailable.
type Client struct {
	baseURL       string
	quotePath     string
	httpc         *http.Client
	br            *Breaker
	attempts      int
	backoff       time.Duration
	flatDailyRate int64
	log           *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.FlatDailyRate <= 0 {
		cfg.FlatDailyRate = 4900
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		quotePath:     cfg.QuotePath,
		httpc:         &http.Client{Timeout: cfg.Timeout},
		br:            NewBreaker(cfg.FailThreshold, cfg.OpenFor),
		attempts:      cfg.Attempts,
		backoff:       cfg.Backoff,
		flatDailyRate: cfg.FlatDailyRate,
		log:           log,
	}
}

// State exposes the breaker state for the ops surface.
func (c *Client) State() BreakerState { return c.br.State() }

type quoteReq struct {
	CarID     string    `json:"car_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

type quoteRes struct {
	TotalCost int64 `json:"total_cost"`
}

// CalculateCost returns the total rental cost. Dependency failures are
// absorbed by the fallback formula; only an unpriceable request errors.
func (c *Client) CalculateCost(ctx context.Context, carID string, start, end time.Time) (Quote, error) {
	if strings.TrimSpace(carID) == "" || !start.Before(end) {
		return Quote{}, ErrBadQuoteRequest
	}

	for i := 0; i < c.attempts; i++ {
		if !c.br.TryAcquire() {
			// open breaker: short-circuit straight to fallback
			break
		}

		amount, err := c.quote(ctx, carID, start, end)
		if err == nil {
			c.br.OnSuccess()
			c.observeBreaker()
			metrics.PricingRequestsTotal.WithLabelValues("ok").Inc()
			return Quote{Amount: amount}, nil
		}

		c.br.OnFailure()
		c.observeBreaker()
		metrics.PricingRequestsTotal.WithLabelValues("error").Inc()
		c.log.Warn("pricing call failed",
			zap.String("car_id", carID), zap.Int("attempt", i+1), zap.Error(err))

		if ctx.Err() != nil {
			break
		}
		if i < c.attempts-1 {
			select {
			case <-ctx.Done():
			case <-time.After(c.backoff * time.Duration(i+1)):
			}
		}
	}

	metrics.PricingRequestsTotal.WithLabelValues("fallback").Inc()
	return Quote{Amount: c.flatDailyRate * CeilDays(start, end), Estimated: true}, nil
}

func (c *Client) quote(ctx context.Context, carID string, start, end time.Time) (int64, error) {
	b, _ := json.Marshal(quoteReq{CarID: carID, StartDate: start, EndDate: end})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.quotePath, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return 0, fmt.Errorf("pricing status=%d", res.StatusCode)
	}

	// A malformed or empty body is a failure, never a zero price.
	var out quoteRes
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode quote: %w", err)
	}
	if out.TotalCost <= 0 {
		return 0, fmt.Errorf("quote missing total_cost")
	}
	return out.TotalCost, nil
}

func (c *Client) observeBreaker() {
	metrics.PricingBreakerState.Set(float64(c.br.State()))
}

// CeilDays returns the number of started 24h days in [start, end),
// minimum 1.
func CeilDays(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 1
	}
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}
