// Package placement turns the engine's order intents into broker orders:
// sequential placement with a rate-limit gap, market-to-limit fallback when
// the upstream refuses market orders, stop-order maintenance, and fill
// polling against the order lifecycle table.
package placement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/strike"
)

// product is the overnight derivatives product code. Everything the bot
// holds is carried positions, never intraday.
const product = "NRML"

// Config contains configuration for the executor.
type Config struct {
	PollInterval time.Duration
	FillTimeout  time.Duration
	CallTimeout  time.Duration
	// OrderGap is the pause between consecutive order calls; the upstream
	// rate-limits order placement well below the general API limit.
	OrderGap time.Duration
	// LimitBuffer is the marketable-limit offset used for the market order
	// fallback: sells price below LTP, buys above, by this fraction.
	LimitBuffer float64
}

// DefaultConfig is the default configuration for the executor.
var DefaultConfig = Config{
	PollInterval: 5 * time.Second,
	FillTimeout:  2 * time.Minute,
	CallTimeout:  5 * time.Second,
	OrderGap:     300 * time.Millisecond,
	LimitBuffer:  0.05,
}

// Report is the outcome of executing one intent.
type Report struct {
	IntentID string
	Intent   models.OrderIntent
	OrderID  string
	Status   OrderStatus
	Err      error
}

// Filled reports whether the intent ended in a complete fill. Stop
// modifications count as filled once the modification is accepted.
func (r Report) Filled() bool {
	return r.Err == nil && (r.Status == StatusComplete || IsWorking(r.Status))
}

// Executor executes order intents against the broker.
type Executor struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewExecutor creates an executor. A nil logger gets a stderr default.
func NewExecutor(b broker.Broker, logger *log.Logger, config ...Config) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "placement: ", log.LstdFlags)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.LimitBuffer <= 0 {
		cfg.LimitBuffer = DefaultConfig.LimitBuffer
	}
	if b == nil {
		panic("placement.NewExecutor: broker must not be nil")
	}
	return &Executor{broker: b, logger: logger, config: cfg}
}

// Execute runs the intents in order. Ordering matters: the engine emits
// risk-reducing intents (closes, hedges) before risk-adding ones, and a
// failed intent never blocks the rest. The snapshot is the same one the
// engine decided from; it supplies position directions and pending stops.
func (e *Executor) Execute(ctx context.Context, intents []models.OrderIntent, snapshot models.PositionSnapshot) []Report {
	reports := make([]Report, 0, len(intents))
	for i, intent := range intents {
		if i > 0 {
			select {
			case <-ctx.Done():
				reports = append(reports, Report{Intent: intent, Err: ctx.Err()})
				continue
			case <-time.After(e.config.OrderGap):
			}
		}
		reports = append(reports, e.executeOne(ctx, intent, snapshot))
	}
	return reports
}

func (e *Executor) executeOne(ctx context.Context, intent models.OrderIntent, snapshot models.PositionSnapshot) Report {
	report := Report{IntentID: uuid.NewString(), Intent: intent}
	if err := intent.Validate(); err != nil {
		report.Err = fmt.Errorf("rejecting intent: %w", err)
		e.logger.Printf("Warning: %v", report.Err)
		return report
	}
	e.logger.Printf("Executing intent %s: %s", report.IntentID, intent.Describe())

	var err error
	switch intent.Action {
	case models.ActionSell:
		report.OrderID, report.Status, err = e.placeDirectional(ctx, intent, "SELL")
	case models.ActionBuy:
		report.OrderID, report.Status, err = e.placeDirectional(ctx, intent, "BUY")
	case models.ActionClose:
		report.OrderID, report.Status, err = e.closePosition(ctx, intent, snapshot)
	case models.ActionModifySL:
		report.OrderID, report.Status, err = e.maintainStop(ctx, intent, snapshot)
	default:
		err = fmt.Errorf("unhandled action %q", intent.Action)
	}
	report.Err = err
	if err != nil {
		e.logger.Printf("Warning: intent %s failed: %v", report.IntentID, err)
	} else {
		e.logger.Printf("Intent %s done: order %s %s", report.IntentID, report.OrderID, report.Status)
	}
	return report
}

// placeDirectional places an opening order. Market style goes out as a
// market order first; if the upstream rejects it (index options block market
// orders in some sessions) the order is retried once as a marketable limit
// priced off the live LTP.
func (e *Executor) placeDirectional(ctx context.Context, intent models.OrderIntent, side string) (string, OrderStatus, error) {
	params := broker.OrderParams{
		Exchange:        intent.Instrument.Exchange,
		Tradingsymbol:   intent.Instrument.Symbol,
		TransactionType: side,
		Product:         product,
		Quantity:        intent.Quantity,
		Tag:             string(intent.Tag),
	}

	if intent.Style == models.StyleLimit {
		params.OrderType = "LIMIT"
		params.Price = intent.LimitPrice
		return e.placeAndWait(ctx, params)
	}

	params.OrderType = "MARKET"
	orderID, status, err := e.placeAndWait(ctx, params)
	if err == nil && status != StatusRejected {
		return orderID, status, nil
	}
	var apiErr *broker.APIError
	if err != nil && !errors.As(err, &apiErr) {
		return orderID, status, err
	}
	e.logger.Printf("Warning: market order for %s refused, falling back to limit", intent.Instrument.Symbol)

	price, err := e.marketableLimit(ctx, intent.Instrument, side)
	if err != nil {
		return "", "", fmt.Errorf("limit fallback: %w", err)
	}
	params.OrderType = "LIMIT"
	params.Price = price
	return e.placeAndWait(ctx, params)
}

// closePosition flattens the intent's instrument: a short is bought back, a
// long is sold. The direction comes from the snapshot, never from the intent.
func (e *Executor) closePosition(ctx context.Context, intent models.OrderIntent, snapshot models.PositionSnapshot) (string, OrderStatus, error) {
	var position models.Position
	found := false
	for _, p := range snapshot.Active() {
		if p.Instrument.Symbol == intent.Instrument.Symbol {
			position = p
			found = true
			break
		}
	}
	if !found {
		// Already flat; the position closed between snapshot and execution.
		e.logger.Printf("Skipping close of %s: no live position", intent.Instrument.Symbol)
		return "", StatusComplete, nil
	}

	side := "SELL"
	if position.IsShort() {
		side = "BUY"
	}
	qty := intent.Quantity
	if qty > position.AbsQuantity() {
		qty = position.AbsQuantity()
	}

	// A resting stop on the leg blocks the close; clear it first.
	if stop, ok := snapshot.PendingStopOrder(intent.Instrument.Symbol); ok {
		if err := e.cancelOrder(ctx, stop.OrderID); err != nil {
			return "", "", fmt.Errorf("cancelling stop before close: %w", err)
		}
	}

	closeIntent := intent
	closeIntent.Quantity = qty
	return e.placeDirectional(ctx, closeIntent, side)
}

// maintainStop moves the leg's resting stop to the intent's stop price,
// creating the stop when none exists. The stop direction opposes the
// position: a short leg is protected by a buy stop.
func (e *Executor) maintainStop(ctx context.Context, intent models.OrderIntent, snapshot models.PositionSnapshot) (string, OrderStatus, error) {
	trigger := strike.RoundToTick(intent.StopPrice, intent.Instrument.TickSize)
	limit := strike.RoundToTick(intent.StopPrice*(1+e.config.LimitBuffer), intent.Instrument.TickSize)

	if stop, ok := snapshot.PendingStopOrder(intent.Instrument.Symbol); ok {
		callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
		defer cancel()
		if err := e.broker.ModifyOrderPrice(callCtx, stop.OrderID, limit, trigger); err != nil {
			return stop.OrderID, "", fmt.Errorf("modifying stop %s: %w", stop.OrderID, err)
		}
		return stop.OrderID, StatusTriggerPending, nil
	}

	side := "BUY"
	for _, p := range snapshot.Active() {
		if p.Instrument.Symbol == intent.Instrument.Symbol && p.IsLong() {
			side = "SELL"
			limit = strike.RoundToTick(intent.StopPrice*(1-e.config.LimitBuffer), intent.Instrument.TickSize)
			break
		}
	}

	params := broker.OrderParams{
		Exchange:        intent.Instrument.Exchange,
		Tradingsymbol:   intent.Instrument.Symbol,
		TransactionType: side,
		OrderType:       "SL",
		Product:         product,
		Quantity:        intent.Quantity,
		Price:           limit,
		TriggerPrice:    trigger,
		Tag:             string(intent.Tag),
	}
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	orderID, err := e.broker.PlaceOrder(callCtx, params)
	if err != nil {
		return "", "", fmt.Errorf("placing stop: %w", err)
	}
	return orderID, StatusTriggerPending, nil
}

// CancelOpenOrders cancels every open order in the snapshot. The shutdown
// path runs this before flattening so no resting stop fires into the closes.
func (e *Executor) CancelOpenOrders(ctx context.Context, snapshot models.PositionSnapshot) error {
	var firstErr error
	for _, o := range snapshot.Orders {
		if err := e.cancelOrder(ctx, o.OrderID); err != nil {
			e.logger.Printf("Warning: cancelling order %s: %v", o.OrderID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Executor) cancelOrder(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return e.broker.CancelOrder(callCtx, orderID)
}

// placeAndWait places an order and polls until it reaches a terminal status
// or the fill timeout passes. A timed-out order is cancelled so it cannot
// fill behind the bot's back next cycle.
func (e *Executor) placeAndWait(ctx context.Context, params broker.OrderParams) (string, OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	orderID, err := e.broker.PlaceOrder(callCtx, params)
	cancel()
	if err != nil {
		return "", "", err
	}

	status, err := e.waitForTerminal(ctx, orderID)
	if err != nil {
		if cancelErr := e.cancelOrder(context.WithoutCancel(ctx), orderID); cancelErr != nil {
			e.logger.Printf("Warning: cancelling timed-out order %s: %v", orderID, cancelErr)
		}
		return orderID, status, err
	}
	return orderID, status, nil
}

// waitForTerminal polls the order until it stops moving, validating each
// observed hop against the lifecycle table.
func (e *Executor) waitForTerminal(ctx context.Context, orderID string) (OrderStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	var last OrderStatus
	for {
		callCtx, callCancel := context.WithTimeout(waitCtx, e.config.CallTimeout)
		order, err := e.broker.OrderStatus(callCtx, orderID)
		callCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && waitCtx.Err() == nil {
				// One slow poll is not a dead order.
				e.logger.Printf("Warning: order %s status poll timed out, retrying", orderID)
			} else if waitCtx.Err() != nil {
				return last, fmt.Errorf("order %s not terminal before timeout", orderID)
			} else {
				return last, fmt.Errorf("polling order %s: %w", orderID, err)
			}
		} else {
			status := OrderStatus(order.Status)
			if last != "" && !CanTransition(last, status) {
				e.logger.Printf("Warning: order %s reported %s after %s", orderID, status, last)
			}
			last = status
			if IsTerminal(status) {
				return status, nil
			}
		}

		select {
		case <-waitCtx.Done():
			return last, fmt.Errorf("order %s not terminal before timeout", orderID)
		case <-ticker.C:
		}
	}
}

// marketableLimit prices an aggressive limit order off the live LTP.
func (e *Executor) marketableLimit(ctx context.Context, inst models.Instrument, side string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	ltp, err := e.broker.LTP(callCtx, inst.Exchange+":"+inst.Symbol)
	if err != nil {
		return 0, err
	}
	if ltp <= 0 {
		return 0, fmt.Errorf("no usable LTP for %s", inst.Symbol)
	}
	factor := 1 + e.config.LimitBuffer
	if side == "SELL" {
		factor = 1 - e.config.LimitBuffer
	}
	return strike.RoundToTick(ltp*factor, inst.TickSize), nil
}
