package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kmenon/nifty_straddler/internal/models"
)

// InstrumentResolver maps broker trading symbols back to full instruments.
// The instrument cache satisfies this.
type InstrumentResolver interface {
	BySymbol(symbol string) (models.Instrument, error)
}

// BuildSnapshot assembles the one-cycle position view: the net positions
// report joined with the day's order book. Role tags live on orders, not
// positions, so each position's role is recovered from the most recent
// completed order on its symbol; overnight positions with no orders today
// stay RoleUnknown and are classified by quantity sign. Unresolvable symbols
// (non-option rows in the account) are skipped with a warning.
func BuildSnapshot(ctx context.Context, b Broker, resolver InstrumentResolver, now time.Time, logger *log.Logger) (models.PositionSnapshot, error) {
	if logger == nil {
		logger = log.Default()
	}

	netPositions, err := b.Positions(ctx)
	if err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("fetching positions: %w", err)
	}
	orders, err := b.Orders(ctx)
	if err != nil {
		return models.PositionSnapshot{}, fmt.Errorf("fetching orders: %w", err)
	}

	roles := rolesFromOrders(orders)

	snapshot := models.PositionSnapshot{Taken: now}
	for _, np := range netPositions {
		inst, err := resolver.BySymbol(np.Tradingsymbol)
		if err != nil {
			if np.Quantity != 0 {
				logger.Printf("Warning: skipping position %s: %v", np.Tradingsymbol, err)
			}
			continue
		}
		snapshot.Positions = append(snapshot.Positions, models.Position{
			Instrument:    inst,
			Quantity:      np.Quantity,
			EntryPrice:    np.AveragePrice,
			LastPrice:     np.LastPrice,
			UnrealizedPnL: np.Unrealised,
			RealizedPnL:   np.Realised,
			Role:          roles[np.Tradingsymbol],
			Product:       np.Product,
		})
	}

	for _, o := range orders {
		if !orderIsOpen(o.Status) {
			continue
		}
		snapshot.Orders = append(snapshot.Orders, models.OpenOrder{
			OrderID:         o.OrderID,
			Symbol:          o.Tradingsymbol,
			TransactionType: o.TransactionType,
			OrderType:       o.OrderType,
			Quantity:        o.Quantity,
			Price:           o.Price,
			TriggerPrice:    o.TriggerPrice,
			Status:          o.Status,
			Tag:             o.Tag,
		})
	}

	return snapshot, nil
}

// rolesFromOrders recovers each symbol's role from its completed orders. The
// order book arrives in chronological order, so a later tagged fill wins; a
// rollover replacement sold after a hedge close ends up with the role that
// describes the position as it stands now.
func rolesFromOrders(orders []Order) map[string]models.Role {
	roles := make(map[string]models.Role)
	for _, o := range orders {
		if o.Status != "COMPLETE" {
			continue
		}
		if role, ok := roleForTag(o.Tag); ok {
			roles[o.Tradingsymbol] = role
		}
	}
	return roles
}

// roleForTag maps an order tag back to a position role. Close-side tags do
// not describe a surviving position and carry no role.
func roleForTag(tag string) (models.Role, bool) {
	switch models.IntentTag(tag) {
	case models.TagPrimarySell:
		return models.RolePrimarySell, true
	case models.TagHedgeBuy:
		return models.RoleHedgeBuy, true
	case models.TagProfitAdd:
		return models.RoleProfitAdd, true
	case models.TagRollover:
		return models.RoleRollover, true
	default:
		return models.RoleUnknown, false
	}
}

// orderIsOpen reports whether an order book status means the order can still
// fill. TRIGGER PENDING is how the upstream reports a resting stop order.
func orderIsOpen(status string) bool {
	switch status {
	case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED", "OPEN PENDING", "MODIFY PENDING":
		return true
	default:
		return false
	}
}
