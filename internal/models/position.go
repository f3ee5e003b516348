package models

import (
	"math"
	"time"
)

// Role identifies the strategic purpose a position serves. Roles ride on
// broker order tags and are recovered when the snapshot is assembled; a
// position whose orders carried no tag has RoleUnknown and is classified by
// quantity sign alone.
type Role string

const (
	// RolePrimarySell marks a short entry leg of the straddle/strangle.
	RolePrimarySell Role = "PRIMARY_SELL"
	// RoleHedgeBuy marks a long option bought to cap loss on a short leg.
	RoleHedgeBuy Role = "HEDGE_BUY"
	// RoleProfitAdd marks an extra short leg sold after profit booking.
	RoleProfitAdd Role = "PROFIT_ADD"
	// RoleRollover marks a leg opened as the replacement side of a rollover.
	RoleRollover Role = "ROLLOVER"
	// RoleUnknown is a position whose originating orders carried no tag.
	RoleUnknown Role = ""
)

// Valid returns true if the Role is one of the defined constants.
func (r Role) Valid() bool {
	switch r {
	case RolePrimarySell, RoleHedgeBuy, RoleProfitAdd, RoleRollover, RoleUnknown:
		return true
	default:
		return false
	}
}

// Position is one broker-reported net position. The engine never mutates a
// Position; it reads a snapshot and emits intents that request mutation.
type Position struct {
	Instrument    Instrument `json:"instrument"`
	Quantity      int        `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	LastPrice     float64    `json:"last_price"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
	RealizedPnL   float64    `json:"realized_pnl"`
	Role          Role       `json:"role"`
	Product       string     `json:"product,omitempty"`
}

// IsShort reports whether the net quantity is short.
func (p Position) IsShort() bool { return p.Quantity < 0 }

// IsLong reports whether the net quantity is long.
func (p Position) IsLong() bool { return p.Quantity > 0 }

// AbsQuantity returns the unsigned position size.
func (p Position) AbsQuantity() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// LossPercent returns the direction-aware loss fraction of entry premium:
// for shorts, loss accrues as the premium rises; for longs, as it falls.
// Returns 0 when the entry price is unusable.
func (p Position) LossPercent() float64 {
	entry := math.Abs(p.EntryPrice)
	if entry == 0 {
		return 0
	}
	if p.IsShort() {
		return (math.Abs(p.LastPrice) - entry) / entry
	}
	return (entry - math.Abs(p.LastPrice)) / entry
}

// ProfitPercent returns the decay fraction of entry premium for a short leg:
// (|entry|-|last|)/|entry|. Negative when the leg is under water.
func (p Position) ProfitPercent() float64 {
	entry := math.Abs(p.EntryPrice)
	if entry == 0 {
		return 0
	}
	return (entry - math.Abs(p.LastPrice)) / entry
}

// Margin is the broker's funds view for the derivatives segment.
type Margin struct {
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// Utilization returns the used fraction of total margin, or 0 when the
// account reports nothing.
func (m Margin) Utilization() float64 {
	total := m.Available + m.Used
	if total == 0 {
		return 0
	}
	return m.Used / total
}

// OpenOrder is a pending (unfilled, uncancelled) broker order visible in the
// cycle snapshot. The placement layer uses these to find an existing stop
// order when executing a MODIFY_SL intent.
type OpenOrder struct {
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"symbol"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Quantity        int     `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	Status          string  `json:"status"`
	Tag             string  `json:"tag,omitempty"`
}

// PositionSnapshot is the read-only view of broker state the engine works
// from for exactly one cycle. It is assembled once at cycle start and never
// refreshed mid-cycle, so a cycle is blind to its own in-flight effects.
type PositionSnapshot struct {
	Taken     time.Time  `json:"taken"`
	Positions []Position `json:"positions"`
	Orders    []OpenOrder `json:"orders"`
}

// Active returns positions with non-zero quantity; zero-quantity rows are
// settled holdings the broker still reports and are logically absent.
func (s PositionSnapshot) Active() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Quantity != 0 {
			out = append(out, p)
		}
	}
	return out
}

// Occupied reports whether any active position sits at the given
// (expiry, strike, type) slot. This is the re-check-before-emit discipline
// that keeps repeated cycles from stacking duplicate legs.
func (s PositionSnapshot) Occupied(key InstrumentKey) bool {
	for _, p := range s.Positions {
		if p.Quantity != 0 && p.Instrument.Key() == key {
			return true
		}
	}
	return false
}

// PendingStopOrder returns the open stop order for a symbol, if one exists.
func (s PositionSnapshot) PendingStopOrder(symbol string) (OpenOrder, bool) {
	for _, o := range s.Orders {
		if o.Symbol == symbol && (o.OrderType == "SL" || o.OrderType == "SL-M") {
			return o, true
		}
	}
	return OpenOrder{}, false
}

// RiskState is the per-cycle derived risk view. It is recomputed from fresh
// broker data every cycle and never persisted.
type RiskState struct {
	UnrealizedPnL     float64                `json:"unrealized_pnl"`
	MarginAvailable   float64                `json:"margin_available"`
	MarginUsed        float64                `json:"margin_used"`
	MarginUtilization float64                `json:"margin_utilization"`
	SpotPrice         float64                `json:"spot_price"`
	SideProfitPoints  map[OptionType]float64 `json:"side_profit_points,omitempty"`
	// DataOK is false when margin, PnL, or spot could not be read this
	// cycle; the engine then skips action phases rather than assuming the
	// cycle is risk-free.
	DataOK bool `json:"data_ok"`
}
