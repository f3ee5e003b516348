// Package models defines the domain types shared across the bot: instruments,
// positions, broker snapshots, and the order intents the reconciliation engine
// emits. All types here are plain values; nothing in this package performs I/O.
package models

import (
	"fmt"
	"time"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	// OptionCE is a call option (exchange convention for index options).
	OptionCE OptionType = "CE"
	// OptionPE is a put option.
	OptionPE OptionType = "PE"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	switch t {
	case OptionCE, OptionPE:
		return true
	default:
		return false
	}
}

// Opposite returns the other option side.
func (t OptionType) Opposite() OptionType {
	if t == OptionCE {
		return OptionPE
	}
	return OptionCE
}

// ShiftDirection returns the outward shift sign for the side: calls move up,
// puts move down. Used for hedge placement and conflict-avoidance search.
func (t OptionType) ShiftDirection() int {
	if t == OptionPE {
		return -1
	}
	return 1
}

// Instrument identifies one tradable option contract. Instruments are sourced
// from the exchange dump and never constructed ad hoc; the engine looks them
// up by (expiry, strike, type) through the instrument cache.
type Instrument struct {
	Underlying string     `json:"underlying"`
	Exchange   string     `json:"exchange"`
	Symbol     string     `json:"symbol"`
	Token      uint32     `json:"token"`
	Expiry     time.Time  `json:"expiry"`
	Strike     int        `json:"strike"`
	OptionType OptionType `json:"option_type"`
	LotSize    int        `json:"lot_size"`
	TickSize   float64    `json:"tick_size"`
}

// Key returns the lookup key for this instrument.
func (i Instrument) Key() InstrumentKey {
	return NewInstrumentKey(i.Expiry, i.Strike, i.OptionType)
}

// String renders a compact human-readable identity for logs.
func (i Instrument) String() string {
	return fmt.Sprintf("%s %s %d%s", i.Underlying, i.Expiry.Format("02Jan06"), i.Strike, i.OptionType)
}

// InstrumentKey is the (expiry, strike, type) identity used for occupancy
// checks and cache lookups. Expiry is normalized to a date string so the key
// is comparable regardless of time-of-day or location on the source value.
type InstrumentKey struct {
	Expiry     string
	Strike     int
	OptionType OptionType
}

// NewInstrumentKey builds a normalized key from an expiry timestamp.
func NewInstrumentKey(expiry time.Time, strike int, optionType OptionType) InstrumentKey {
	return InstrumentKey{
		Expiry:     expiry.Format("2006-01-02"),
		Strike:     strike,
		OptionType: optionType,
	}
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s/%d%s", k.Expiry, k.Strike, k.OptionType)
}
