// Package mock provides an in-memory broker for paper trading and tests: it
// fills every order instantly at the scripted LTP, tracks net positions and
// the day's order book, and serves a scripted instrument dump. The rest of
// the bot runs against it unchanged.
package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/models"
)

// Broker is the scripted in-memory gateway.
type Broker struct {
	mu sync.Mutex

	prices    map[string]float64 // "EXCHANGE:SYMBOL" -> ltp
	positions map[string]*broker.NetPosition
	orders    []broker.Order
	margin    models.Margin
	dump      []byte
	nextOrder int
}

// NewBroker builds a mock with the given starting margin.
func NewBroker(margin models.Margin) *Broker {
	return &Broker{
		prices:    make(map[string]float64),
		positions: make(map[string]*broker.NetPosition),
		margin:    margin,
	}
}

// SetPrice scripts the LTP for one "EXCHANGE:SYMBOL" instrument and marks
// open positions on that symbol to the new price.
func (m *Broker) SetPrice(instrument string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[instrument] = price
	for key, p := range m.positions {
		if symbolOf(key) == symbolOf(instrument) {
			p.LastPrice = price
			p.Unrealised = float64(p.Quantity) * (price - p.AveragePrice)
			p.PnL = p.Realised + p.Unrealised
		}
	}
}

// SetDump scripts the instrument CSV.
func (m *Broker) SetDump(csv []byte) {
	m.mu.Lock()
	m.dump = csv
	m.mu.Unlock()
}

// Profile returns a fixed paper identity.
func (m *Broker) Profile(context.Context) (broker.Profile, error) {
	return broker.Profile{UserID: "PAPER1", UserName: "Paper Trader", Broker: "mock"}, nil
}

// Margins returns the scripted margin.
func (m *Broker) Margins(context.Context) (models.Margin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.margin, nil
}

// Positions returns the current net positions.
func (m *Broker) Positions(context.Context) ([]broker.NetPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.NetPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

// Orders returns the day's order book.
func (m *Broker) Orders(context.Context) ([]broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.Order, len(m.orders))
	copy(out, m.orders)
	return out, nil
}

// LTP returns the scripted price.
func (m *Broker) LTP(_ context.Context, instrument string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[instrument]
	if !ok {
		return 0, fmt.Errorf("no scripted price for %s", instrument)
	}
	return price, nil
}

// Quote returns a minimal quote built from the scripted price.
func (m *Broker) Quote(ctx context.Context, instrument string) (broker.Quote, error) {
	price, err := m.LTP(ctx, instrument)
	if err != nil {
		return broker.Quote{}, err
	}
	return broker.Quote{LastPrice: price}, nil
}

// PlaceOrder fills the order instantly. Market orders fill at the scripted
// LTP, limit and stop orders at their own price; a missing price rejects the
// order the way a real risk check would.
func (m *Broker) PlaceOrder(_ context.Context, p broker.OrderParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fillPrice := p.Price
	if p.OrderType == "MARKET" {
		ltp, ok := m.prices[p.Exchange+":"+p.Tradingsymbol]
		if !ok {
			return "", &broker.APIError{Status: 400, ErrorType: "InputException",
				Message: "no market for " + p.Tradingsymbol}
		}
		fillPrice = ltp
	}
	if fillPrice <= 0 {
		return "", &broker.APIError{Status: 400, ErrorType: "InputException", Message: "bad price"}
	}

	m.nextOrder++
	orderID := strconv.Itoa(100000 + m.nextOrder)

	status := "COMPLETE"
	filled := p.Quantity
	if p.OrderType == "SL" || p.OrderType == "SL-M" {
		// Stops rest until their trigger; the mock never triggers them.
		status = "TRIGGER PENDING"
		filled = 0
	}
	m.orders = append(m.orders, broker.Order{
		OrderID:         orderID,
		Tradingsymbol:   p.Tradingsymbol,
		Exchange:        p.Exchange,
		Status:          status,
		TransactionType: p.TransactionType,
		OrderType:       p.OrderType,
		Product:         p.Product,
		Quantity:        p.Quantity,
		FilledQuantity:  filled,
		Price:           p.Price,
		TriggerPrice:    p.TriggerPrice,
		AveragePrice:    fillPrice,
		Tag:             p.Tag,
	})

	if status == "COMPLETE" {
		m.applyFill(p, fillPrice)
	}
	return orderID, nil
}

// applyFill folds a fill into the net position.
func (m *Broker) applyFill(p broker.OrderParams, price float64) {
	key := p.Exchange + ":" + p.Tradingsymbol
	signed := p.Quantity
	if p.TransactionType == "SELL" {
		signed = -signed
	}

	pos, ok := m.positions[key]
	if !ok {
		pos = &broker.NetPosition{
			Tradingsymbol: p.Tradingsymbol,
			Exchange:      p.Exchange,
			Product:       p.Product,
		}
		m.positions[key] = pos
	}

	switch {
	case pos.Quantity == 0:
		pos.AveragePrice = price
	case (pos.Quantity > 0) == (signed > 0):
		total := float64(pos.Quantity)*pos.AveragePrice + float64(signed)*price
		pos.AveragePrice = total / float64(pos.Quantity+signed)
	default:
		// Reducing or flipping realizes PnL on the covered quantity.
		covered := min(abs(signed), abs(pos.Quantity))
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1.0
		}
		pos.Realised += float64(covered) * (price - pos.AveragePrice) * direction
		if abs(signed) > abs(pos.Quantity) {
			pos.AveragePrice = price
		}
	}
	pos.Quantity += signed
	pos.LastPrice = price
	pos.Unrealised = float64(pos.Quantity) * (pos.LastPrice - pos.AveragePrice)
	pos.PnL = pos.Realised + pos.Unrealised
}

// ModifyOrderPrice updates a resting order in place.
func (m *Broker) ModifyOrderPrice(_ context.Context, orderID string, price, trigger float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].OrderID == orderID {
			if m.orders[i].Status != "OPEN" && m.orders[i].Status != "TRIGGER PENDING" {
				return &broker.APIError{Status: 400, ErrorType: "OrderException", Message: "order not open"}
			}
			if price > 0 {
				m.orders[i].Price = price
			}
			if trigger > 0 {
				m.orders[i].TriggerPrice = trigger
			}
			return nil
		}
	}
	return &broker.APIError{Status: 404, ErrorType: "OrderException", Message: "unknown order"}
}

// CancelOrder cancels a resting order.
func (m *Broker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].OrderID == orderID {
			if m.orders[i].Status == "COMPLETE" {
				return &broker.APIError{Status: 400, ErrorType: "OrderException", Message: "already complete"}
			}
			m.orders[i].Status = "CANCELLED"
			return nil
		}
	}
	return &broker.APIError{Status: 404, ErrorType: "OrderException", Message: "unknown order"}
}

// OrderStatus returns the order's current state.
func (m *Broker) OrderStatus(_ context.Context, orderID string) (broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderID == orderID {
			return o, nil
		}
	}
	return broker.Order{}, &broker.APIError{Status: 404, ErrorType: "OrderException", Message: "unknown order"}
}

// InstrumentsDump returns the scripted CSV.
func (m *Broker) InstrumentsDump(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dump == nil {
		return nil, fmt.Errorf("no scripted instrument dump")
	}
	return m.dump, nil
}

var _ broker.Broker = (*Broker)(nil)

func symbolOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
