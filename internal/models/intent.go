package models

import "fmt"

// IntentAction is the kind of order mutation an intent requests.
type IntentAction string

const (
	// ActionSell opens or adds to a short leg.
	ActionSell IntentAction = "SELL"
	// ActionBuy opens or adds to a long (hedge) leg.
	ActionBuy IntentAction = "BUY"
	// ActionClose flattens an existing position regardless of direction.
	ActionClose IntentAction = "CLOSE"
	// ActionModifySL moves the stop order protecting a leg to a new price.
	ActionModifySL IntentAction = "MODIFY_SL"
)

// Valid returns true if the IntentAction is one of the defined constants.
func (a IntentAction) Valid() bool {
	switch a {
	case ActionSell, ActionBuy, ActionClose, ActionModifySL:
		return true
	default:
		return false
	}
}

// OrderStyle selects the execution style the placement layer should start
// with. MARKET may still end up as a limit order via the fallback path.
type OrderStyle string

const (
	// StyleMarket requests immediate execution at market.
	StyleMarket OrderStyle = "MARKET"
	// StyleLimit requests execution at LimitPrice or better.
	StyleLimit OrderStyle = "LIMIT"
)

// Valid returns true if the OrderStyle is one of the defined constants.
func (s OrderStyle) Valid() bool {
	return s == StyleMarket || s == StyleLimit
}

// IntentTag is the causal tag explaining why an intent was emitted. Tags are
// forwarded to the broker on placement so the next cycle's snapshot can
// recover position roles from order history.
type IntentTag string

const (
	// TagPrimarySell: entry leg of the straddle/strangle.
	TagPrimarySell IntentTag = "PRIMARY_SELL"
	// TagHedgeBuy: hedge bought against a short leg in loss, including the
	// replacement leg after a touched hedge is recycled.
	TagHedgeBuy IntentTag = "HEDGE_BUY"
	// TagHedgeTouch: close of a hedge whose strike spot has reached.
	TagHedgeTouch IntentTag = "HEDGE_TOUCH"
	// TagProfitLock: stop modification locking in decayed premium.
	TagProfitLock IntentTag = "PROFIT_LOCK"
	// TagProfitAdd: extra short sold against a profitable leg.
	TagProfitAdd IntentTag = "PROFIT_ADD"
	// TagOrphanClose: hedge closed because its short side is gone.
	TagOrphanClose IntentTag = "ORPHAN_CLOSE"
	// TagRolloverClose: close side of an expiry rollover.
	TagRolloverClose IntentTag = "ROLLOVER_CLOSE"
	// TagRollover: replacement side of an expiry rollover.
	TagRollover IntentTag = "ROLLOVER"
	// TagShutdownClose: emergency flatten after the loss circuit breaker.
	TagShutdownClose IntentTag = "SHUTDOWN_CLOSE"
	// TagProfitTarget: flatten after the overall profit target is reached.
	TagProfitTarget IntentTag = "PROFIT_TARGET"
)

// Valid returns true if the IntentTag is one of the defined constants.
func (t IntentTag) Valid() bool {
	switch t {
	case TagPrimarySell, TagHedgeBuy, TagHedgeTouch, TagProfitLock, TagProfitAdd,
		TagOrphanClose, TagRolloverClose, TagRollover, TagShutdownClose, TagProfitTarget:
		return true
	default:
		return false
	}
}

// OrderIntent is the engine's unit of output: a request for one order action.
// Intents are stateless values with no identity; the placement layer assigns
// order IDs when it acts on them. Quantity is always positive, direction
// comes from Action.
type OrderIntent struct {
	Action     IntentAction `json:"action"`
	Instrument Instrument   `json:"instrument"`
	Quantity   int          `json:"quantity"`
	Style      OrderStyle   `json:"style"`
	LimitPrice float64      `json:"limit_price,omitempty"`
	StopPrice  float64      `json:"stop_price,omitempty"`
	Tag        IntentTag    `json:"tag"`
	Reason     string       `json:"reason,omitempty"`
}

// Describe renders the intent for logs and the journal.
func (oi OrderIntent) Describe() string {
	return fmt.Sprintf("%s %s x%d [%s] %s", oi.Action, oi.Instrument, oi.Quantity, oi.Tag, oi.Reason)
}

// Validate checks structural sanity. The placement layer refuses intents
// that fail this check.
func (oi OrderIntent) Validate() error {
	if !oi.Action.Valid() {
		return fmt.Errorf("intent has invalid action %q", oi.Action)
	}
	if !oi.Style.Valid() {
		return fmt.Errorf("intent has invalid style %q", oi.Style)
	}
	if !oi.Tag.Valid() {
		return fmt.Errorf("intent has invalid tag %q", oi.Tag)
	}
	if oi.Quantity <= 0 {
		return fmt.Errorf("intent quantity must be positive, got %d", oi.Quantity)
	}
	if oi.Style == StyleLimit && oi.LimitPrice <= 0 {
		return fmt.Errorf("limit intent requires a positive limit price")
	}
	if oi.Action == ActionModifySL && oi.StopPrice <= 0 {
		return fmt.Errorf("stop modification requires a positive stop price")
	}
	if oi.Instrument.Symbol == "" {
		return fmt.Errorf("intent instrument has no symbol")
	}
	return nil
}
