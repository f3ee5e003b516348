// Package engine implements the reconciliation core: given one cycle's
// snapshot of positions, orders, margin, and spot, it decides which order
// intents the portfolio needs to match the strategy policy. The engine
// performs no I/O; instrument and price lookups read collaborator caches
// populated before the cycle starts.
package engine

import (
	"time"

	"github.com/kmenon/nifty_straddler/internal/expiry"
	"github.com/kmenon/nifty_straddler/internal/models"
)

// Classification partitions one snapshot's active positions by role.
// A rolled short leg is the entry leg continued, so ROLLOVER shorts sit in
// PrimarySells next to PRIMARY_SELL ones.
type Classification struct {
	PrimarySells []models.Position
	ProfitAdds   []models.Position
	HedgeBuys    []models.Position
	ShortLegs    []models.Position
	Unknown      []models.Position
	Actives      []models.Position
}

// Classify partitions the snapshot's active positions. Zero-quantity rows
// never appear. Positions whose role cannot be recovered from order tags
// land in Unknown; their shorts still count as occupied capital (ShortLegs)
// but nothing actively manages them.
func Classify(snapshot models.PositionSnapshot) Classification {
	var c Classification
	for _, p := range snapshot.Active() {
		c.Actives = append(c.Actives, p)
		if p.IsShort() {
			c.ShortLegs = append(c.ShortLegs, p)
		}
		switch {
		case p.IsShort() && (p.Role == models.RolePrimarySell || p.Role == models.RoleRollover):
			c.PrimarySells = append(c.PrimarySells, p)
		case p.IsShort() && p.Role == models.RoleProfitAdd:
			c.ProfitAdds = append(c.ProfitAdds, p)
		case p.IsLong() && p.Role == models.RoleHedgeBuy:
			c.HedgeBuys = append(c.HedgeBuys, p)
		default:
			c.Unknown = append(c.Unknown, p)
		}
	}
	return c
}

// Profitable returns the primary sells whose premium has decayed by at least
// threshold of the entry price.
func (c Classification) Profitable(threshold float64) []models.Position {
	var out []models.Position
	for _, p := range c.PrimarySells {
		if p.ProfitPercent() >= threshold {
			out = append(out, p)
		}
	}
	return out
}

// Expiring returns every active position whose expiry falls within window
// calendar days of now, the expiry day itself included.
func (c Classification) Expiring(cal expiry.Calendar, now time.Time, window int) []models.Position {
	var out []models.Position
	for _, p := range c.Actives {
		if cal.DaysTo(now, p.Instrument.Expiry) <= window {
			out = append(out, p)
		}
	}
	return out
}

// OrphanSides returns the option sides holding hedges with no short leg left
// to protect. Any short on the side offsets, whatever its role.
func (c Classification) OrphanSides() map[models.OptionType]bool {
	sides := make(map[models.OptionType]bool)
	for _, h := range c.HedgeBuys {
		sides[h.Instrument.OptionType] = true
	}
	for _, s := range c.ShortLegs {
		delete(sides, s.Instrument.OptionType)
	}
	return sides
}

// HedgesOnSide returns the hedge legs for one option side.
func (c Classification) HedgesOnSide(optionType models.OptionType) []models.Position {
	var out []models.Position
	for _, h := range c.HedgeBuys {
		if h.Instrument.OptionType == optionType {
			out = append(out, h)
		}
	}
	return out
}

// HasShortOnSideAt reports whether any short leg of the given option side
// exists in the given expiry. The entry phase treats this as "the book is
// already sold here"; a leftover PROFIT_ADD or untagged short blocks re-entry
// the same way a primary does.
func (c Classification) HasShortOnSideAt(exp time.Time, optionType models.OptionType) bool {
	key := exp.Format("2006-01-02")
	for _, s := range c.ShortLegs {
		if s.Instrument.OptionType == optionType && s.Instrument.Expiry.Format("2006-01-02") == key {
			return true
		}
	}
	return false
}

// remainingShortsOnSide returns the shorts on one side excluding positions
// at the given instrument keys (the legs being rolled away).
func (c Classification) remainingShortsOnSide(optionType models.OptionType, excluded map[models.InstrumentKey]bool) []models.Position {
	var out []models.Position
	for _, s := range c.ShortLegs {
		if s.Instrument.OptionType != optionType {
			continue
		}
		if excluded[s.Instrument.Key()] {
			continue
		}
		out = append(out, s)
	}
	return out
}
