// Package broker provides the trading gateway: the Broker interface the rest
// of the bot depends on, the Kite-style REST implementation, the login/session
// helpers, and a circuit-breaker wrapper for flaky upstreams.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kmenon/nifty_straddler/internal/models"
)

// ErrSessionExpired is returned when the access token is no longer accepted.
// The caller must run the login flow again; retrying the same token is futile.
var ErrSessionExpired = errors.New("broker: session expired")

// APIError is a non-2xx broker response with the upstream's own error fields.
type APIError struct {
	Status    int
	ErrorType string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.Status, e.ErrorType, e.Message)
}

// NetPosition is one row of the broker's net positions report. Role tags do
// not appear here; they ride on the day's orders and are joined back when the
// snapshot is assembled.
type NetPosition struct {
	Tradingsymbol string  `json:"tradingsymbol"`
	Exchange      string  `json:"exchange"`
	Product       string  `json:"product"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
	Realised      float64 `json:"realised"`
	Unrealised    float64 `json:"unrealised"`
}

// Order is one row of the broker's order book.
type Order struct {
	OrderID         string  `json:"order_id"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	Status          string  `json:"status"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	PendingQuantity int     `json:"pending_quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	AveragePrice    float64 `json:"average_price"`
	Tag             string  `json:"tag"`
	StatusMessage   string  `json:"status_message"`
}

// OrderParams describes one order to place.
type OrderParams struct {
	Exchange        string
	Tradingsymbol   string
	TransactionType string // BUY | SELL
	OrderType       string // MARKET | LIMIT | SL | SL-M
	Product         string // NRML for overnight options
	Quantity        int
	Price           float64
	TriggerPrice    float64
	Tag             string
}

// Quote is a full market quote for one instrument.
type Quote struct {
	LastPrice float64 `json:"last_price"`
	Volume    int64   `json:"volume"`
	OI        int64   `json:"oi"`
	Depth     struct {
		Buy []struct {
			Price    float64 `json:"price"`
			Quantity int     `json:"quantity"`
		} `json:"buy"`
		Sell []struct {
			Price    float64 `json:"price"`
			Quantity int     `json:"quantity"`
		} `json:"sell"`
	} `json:"depth"`
}

// Profile identifies the logged-in account; a successful fetch is the session
// validity check.
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// Broker defines the gateway operations the bot needs. Instruments are
// addressed as "EXCHANGE:TRADINGSYMBOL" on the quote calls, matching the
// upstream API convention.
type Broker interface {
	Profile(ctx context.Context) (Profile, error)
	Margins(ctx context.Context) (models.Margin, error)
	Positions(ctx context.Context) ([]NetPosition, error)
	Orders(ctx context.Context) ([]Order, error)
	LTP(ctx context.Context, instrument string) (float64, error)
	Quote(ctx context.Context, instrument string) (Quote, error)
	PlaceOrder(ctx context.Context, params OrderParams) (string, error)
	ModifyOrderPrice(ctx context.Context, orderID string, price, triggerPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (Order, error)
	InstrumentsDump(ctx context.Context) ([]byte, error)
}

// Ensure KiteClient implements Broker at compile time.
var _ Broker = (*KiteClient)(nil)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping upstream fails fast instead of being hammered every cycle.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *log.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	if logger == nil {
		logger = log.Default()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Profile wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Profile(ctx context.Context) (Profile, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (Profile, error) { return b.Profile(ctx) })
}

// Margins wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Margins(ctx context.Context) (models.Margin, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Margin, error) { return b.Margins(ctx) })
}

// Positions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]NetPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]NetPosition, error) { return b.Positions(ctx) })
}

// Orders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Orders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.Orders(ctx) })
}

// LTP wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) LTP(ctx context.Context, instrument string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.LTP(ctx, instrument) })
}

// Quote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Quote(ctx context.Context, instrument string) (Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (Quote, error) { return b.Quote(ctx, instrument) })
}

// PlaceOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, params OrderParams) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) { return b.PlaceOrder(ctx, params) })
}

// ModifyOrderPrice wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) ModifyOrderPrice(ctx context.Context, orderID string, price, triggerPrice float64) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.ModifyOrderPrice(ctx, orderID, price, triggerPrice)
	})
	return err
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// OrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) OrderStatus(ctx context.Context, orderID string) (Order, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (Order, error) { return b.OrderStatus(ctx, orderID) })
}

// InstrumentsDump wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) InstrumentsDump(ctx context.Context) ([]byte, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]byte, error) { return b.InstrumentsDump(ctx) })
}
