package engine

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/expiry"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/strike"
)

// InstrumentLookup resolves an (expiry, strike, type) slot to a tradable
// instrument. Backed by the instrument cache; must not block.
type InstrumentLookup interface {
	Lookup(exp time.Time, strikeVal int, optionType models.OptionType) (models.Instrument, error)
}

// PriceSource returns the cached last traded price for an instrument.
// Backed by the quotes cache; must not block.
type PriceSource interface {
	LastPrice(inst models.Instrument) (float64, bool)
}

// Input is one cycle's world view. The driver fetches everything before the
// engine runs; the engine itself performs no I/O and keeps no state between
// calls, so running it twice on the same Input yields the same Result.
type Input struct {
	Now            time.Time
	TradingAllowed bool
	Policy         config.StrategyPolicy
	Snapshot       models.PositionSnapshot
	Risk           models.RiskState
	Calendar       expiry.Calendar
}

// PhaseError records a phase that failed. Later phases still ran.
type PhaseError struct {
	Phase string
	Err   error
}

func (e PhaseError) Error() string { return fmt.Sprintf("%s phase: %v", e.Phase, e.Err) }

// Result is one cycle's decisions: the ordered intent list plus the signals
// the driver and notifier react to.
type Result struct {
	Intents      []models.OrderIntent
	Warnings     []string
	PhaseErrors  []PhaseError
	Shutdown     bool
	ProfitTarget bool
}

// Engine is the reconciliation core. Safe to reuse across cycles; not safe
// for concurrent cycles, which the single-goroutine driver never attempts.
type Engine struct {
	lookup InstrumentLookup
	prices PriceSource
	logger *log.Logger
}

// New returns an Engine. A nil logger falls back to log.Default().
func New(lookup InstrumentLookup, prices PriceSource, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{lookup: lookup, prices: prices, logger: logger}
}

// Run executes one reconciliation cycle. Phases run in a fixed order:
// gate, shutdown check, entry, hedge maintenance, profit booking, orphan
// cleanup, expiry rollover, profit-target check. Only the gate and the
// shutdown check short-circuit; every other phase failure is caught,
// recorded, and followed by the remaining phases.
func (e *Engine) Run(in Input) Result {
	var res Result

	if !in.TradingAllowed {
		return res
	}

	gate := Gate{
		ShutdownLossPct: in.Policy.ShutdownLossPct,
		ProfitPoints:    in.Policy.ProfitPoints,
		PointValue:      in.Policy.PointValue,
	}

	if gate.ShutdownTriggered(in.Risk) {
		res.Shutdown = true
		e.logger.Printf("shutdown triggered: pnl %.2f against margin %.2f", in.Risk.UnrealizedPnL, in.Risk.MarginAvailable)
		res.Intents = append(res.Intents, closeAll(in.Snapshot, models.TagShutdownClose)...)
		return res
	}

	if !in.Risk.DataOK {
		e.warnf(&res, "risk data unavailable, action phases skipped this cycle")
		return res
	}

	cls := Classify(in.Snapshot)
	for _, p := range cls.Unknown {
		e.warnf(&res, "unmanaged position %s qty %d: no role recovered from order tags", p.Instrument, p.Quantity)
	}

	e.phase(&res, "entry", func() error { return e.entryPhase(in, cls, &res) })
	e.phase(&res, "hedge", func() error { return e.hedgePhase(in, cls, gate, &res) })
	e.phase(&res, "profit", func() error { return e.profitPhase(in, cls, &res) })
	e.phase(&res, "orphan", func() error { return e.orphanPhase(cls, &res) })
	e.phase(&res, "rollover", func() error { return e.rolloverPhase(in, cls, &res) })

	if gate.ProfitTargetReached(in.Risk) {
		res.ProfitTarget = true
		e.logger.Printf("profit target reached: pnl %.2f >= %.2f", in.Risk.UnrealizedPnL, in.Policy.ProfitTargetRupees())
		res.Intents = append(res.Intents, closeAll(in.Snapshot, models.TagProfitTarget)...)
	}

	return res
}

// phase runs fn and converts both returned errors and panics into a recorded
// PhaseError, so one phase can never take the rest of the cycle down.
func (e *Engine) phase(res *Result, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("Warning: %s phase panicked: %v", name, r)
			res.PhaseErrors = append(res.PhaseErrors, PhaseError{Phase: name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		e.logger.Printf("Warning: %s phase failed: %v", name, err)
		res.PhaseErrors = append(res.PhaseErrors, PhaseError{Phase: name, Err: err})
	}
}

// entryPhase sells the configured straddle or strangle into the far-month
// expiry, one leg per option side that is not already sold there. Checking
// per side lets a cycle repair a half-filled entry instead of abandoning it.
func (e *Engine) entryPhase(in Input, cls Classification, res *Result) error {
	far, err := in.Calendar.FarMonthly(in.Now, in.Policy.FarMonthIndex)
	if err != nil {
		return fmt.Errorf("selecting far month %d: %w", in.Policy.FarMonthIndex, err)
	}
	if in.Risk.SpotPrice <= 0 {
		e.warnf(res, "entry skipped: no spot price this cycle")
		return nil
	}

	var ceStrike, peStrike int
	if in.Policy.Strangle {
		ceStrike, peStrike = strike.StrangleStrikes(in.Risk.SpotPrice, in.Policy.StrangleDistance, in.Policy.StrikeIncrement)
	} else {
		atm := strike.ATMStrike(in.Risk.SpotPrice, in.Policy.Bias, in.Policy.StrikeIncrement)
		ceStrike, peStrike = atm, atm
	}

	qty := in.Policy.Quantity(in.Risk.MarginAvailable)
	legs := []struct {
		optionType models.OptionType
		strike     int
	}{
		{models.OptionCE, ceStrike},
		{models.OptionPE, peStrike},
	}
	resolver := strike.Resolver{Gap: in.Policy.AdjacencyGap, MaxIterations: in.Policy.MaxStrikeIterations}

	for _, leg := range legs {
		if cls.HasShortOnSideAt(far, leg.optionType) {
			continue
		}
		target, err := resolver.FindFreeStrike(in.Snapshot, far, leg.optionType, leg.strike)
		if err != nil {
			e.warnf(res, "entry %s skipped: no free strike from %d in %s", leg.optionType, leg.strike, far.Format("2006-01-02"))
			continue
		}
		inst, err := e.lookup.Lookup(far, target, leg.optionType)
		if err != nil {
			e.warnf(res, "entry %s skipped: no instrument at %d %s: %v", leg.optionType, target, far.Format("2006-01-02"), err)
			continue
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionSell,
			Instrument: inst,
			Quantity:   qty,
			Style:      models.StyleMarket,
			Tag:        models.TagPrimarySell,
			Reason:     fmt.Sprintf("entry %s at %d for %s", leg.optionType, target, far.Format("2006-01-02")),
		})
	}
	return nil
}

// hedgePhase buys protection next to short legs in loss and replaces hedges
// whose strike spot has approached.
func (e *Engine) hedgePhase(in Input, cls Classification, gate Gate, res *Result) error {
	resolverGap := in.Policy.AdjacencyGap

	for _, p := range cls.PrimarySells {
		if !gate.SideLossTriggered(p, in.Policy.HedgeLossThreshold) {
			continue
		}
		adj := strike.AdjacentStrike(p.Instrument.Strike, resolverGap, p.Instrument.OptionType)
		slot := models.NewInstrumentKey(p.Instrument.Expiry, adj, p.Instrument.OptionType)
		if in.Snapshot.Occupied(slot) {
			if !hedgeAt(cls.HedgeBuys, slot) {
				e.warnf(res, "hedge for %s skipped: adjacent strike %d occupied by a non-hedge position", p.Instrument, adj)
			}
			continue
		}
		inst, err := e.lookup.Lookup(p.Instrument.Expiry, adj, p.Instrument.OptionType)
		if err != nil {
			e.warnf(res, "hedge for %s skipped: no instrument at %d: %v", p.Instrument, adj, err)
			continue
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionBuy,
			Instrument: inst,
			Quantity:   in.Policy.HedgeQuantity(p.Quantity),
			Style:      models.StyleMarket,
			Tag:        models.TagHedgeBuy,
			Reason:     fmt.Sprintf("leg %s down %.0f%%, hedging at %d", p.Instrument, p.LossPercent()*100, adj),
		})
	}

	if in.Risk.SpotPrice <= 0 {
		return nil
	}
	for _, h := range cls.HedgeBuys {
		headroom := float64(h.Instrument.OptionType.ShiftDirection()) * (float64(h.Instrument.Strike) - in.Risk.SpotPrice)
		if headroom > in.Policy.HedgeTouchBufferPts {
			continue
		}
		far, err := in.Calendar.FarMonthly(in.Now, in.Policy.FarMonthIndex)
		if err != nil {
			return fmt.Errorf("selecting far month for touched hedge: %w", err)
		}
		repl, ok := e.findPremiumStrike(in, far, h.Instrument.OptionType, h.LastPrice/2)
		if !ok {
			e.warnf(res, "touched hedge %s kept: no replacement with premium near %.2f", h.Instrument, h.LastPrice/2)
			continue
		}
		res.Intents = append(res.Intents,
			models.OrderIntent{
				Action:     models.ActionClose,
				Instrument: h.Instrument,
				Quantity:   h.AbsQuantity(),
				Style:      models.StyleMarket,
				Tag:        models.TagHedgeTouch,
				Reason:     fmt.Sprintf("hedge %s touched: %.0f points from spot", h.Instrument, headroom),
			},
			models.OrderIntent{
				Action:     models.ActionBuy,
				Instrument: repl,
				Quantity:   2 * h.AbsQuantity(),
				Style:      models.StyleMarket,
				Tag:        models.TagHedgeBuy,
				Reason:     fmt.Sprintf("replacing touched hedge %s at %d", h.Instrument, repl.Strike),
			},
		)
	}
	return nil
}

// findPremiumStrike scans far-expiry strikes outward from ATM for the
// unoccupied one whose cached premium sits closest to target, over a bounded
// candidate window. ok is false when no candidate had a tradable premium.
func (e *Engine) findPremiumStrike(in Input, exp time.Time, optionType models.OptionType, target float64) (models.Instrument, bool) {
	atm := strike.ATMStrike(in.Risk.SpotPrice, 0, in.Policy.StrikeIncrement)
	step := in.Policy.StrikeIncrement * optionType.ShiftDirection()

	var best models.Instrument
	bestDiff := math.MaxFloat64
	found := false
	for i := 1; i <= in.Policy.MaxStrikeIterations; i++ {
		candidate := atm + i*step
		if in.Snapshot.Occupied(models.NewInstrumentKey(exp, candidate, optionType)) {
			continue
		}
		inst, err := e.lookup.Lookup(exp, candidate, optionType)
		if err != nil {
			continue
		}
		ltp, ok := e.prices.LastPrice(inst)
		if !ok || ltp <= 0 {
			continue
		}
		if diff := math.Abs(ltp - target); diff < bestDiff {
			best, bestDiff, found = inst, diff, true
		}
	}
	return best, found
}

// profitPhase locks decayed legs behind a stop and sells one more lot
// against them. A pending stop order on the leg marks it as already booked;
// that is what keeps this phase from stacking an add every cycle.
func (e *Engine) profitPhase(in Input, cls Classification, res *Result) error {
	for _, p := range cls.Profitable(in.Policy.ProfitThreshold) {
		if _, booked := in.Snapshot.PendingStopOrder(p.Instrument.Symbol); booked {
			continue
		}

		stop := strike.RoundToTick(p.EntryPrice*(1-in.Policy.StopLossPct), p.Instrument.TickSize)
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionModifySL,
			Instrument: p.Instrument,
			Quantity:   p.AbsQuantity(),
			Style:      models.StyleMarket,
			StopPrice:  stop,
			Tag:        models.TagProfitLock,
			Reason:     fmt.Sprintf("%s decayed %.0f%%, stop to %.2f", p.Instrument, p.ProfitPercent()*100, stop),
		})

		addExpiry := p.Instrument.Expiry
		if !in.Policy.FarSellAdd {
			weekly, err := in.Calendar.NextWeekly(in.Now)
			if err != nil {
				e.warnf(res, "profit add for %s skipped: %v", p.Instrument, err)
				continue
			}
			addExpiry = weekly
		}
		inst, err := e.lookup.Lookup(addExpiry, p.Instrument.Strike, p.Instrument.OptionType)
		if err != nil {
			e.warnf(res, "profit add for %s skipped: no instrument at %d %s: %v",
				p.Instrument, p.Instrument.Strike, addExpiry.Format("2006-01-02"), err)
			continue
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionSell,
			Instrument: inst,
			Quantity:   in.Policy.LotSize,
			Style:      models.StyleMarket,
			Tag:        models.TagProfitAdd,
			Reason:     fmt.Sprintf("re-selling %d %s against booked %s", inst.Strike, inst.OptionType, p.Instrument),
		})

		if !in.Policy.BuyHedge {
			continue
		}
		adj := strike.AdjacentStrike(inst.Strike, in.Policy.AdjacencyGap, inst.OptionType)
		if in.Snapshot.Occupied(models.NewInstrumentKey(addExpiry, adj, inst.OptionType)) {
			continue
		}
		hedge, err := e.lookup.Lookup(addExpiry, adj, inst.OptionType)
		if err != nil {
			e.warnf(res, "hedge for profit add %s skipped: %v", inst, err)
			continue
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionBuy,
			Instrument: hedge,
			Quantity:   in.Policy.LotSize,
			Style:      models.StyleMarket,
			Tag:        models.TagHedgeBuy,
			Reason:     fmt.Sprintf("hedging profit add %s at %d", inst, adj),
		})
	}
	return nil
}

// orphanPhase closes hedges whose entire short side is gone. They cap a loss
// that can no longer occur.
func (e *Engine) orphanPhase(cls Classification, res *Result) error {
	for side, orphan := range cls.OrphanSides() {
		if !orphan {
			continue
		}
		for _, h := range cls.HedgesOnSide(side) {
			res.Intents = append(res.Intents, models.OrderIntent{
				Action:     models.ActionClose,
				Instrument: h.Instrument,
				Quantity:   h.AbsQuantity(),
				Style:      models.StyleMarket,
				Tag:        models.TagOrphanClose,
				Reason:     fmt.Sprintf("no %s short remains for hedge %s", side, h.Instrument),
			})
		}
	}
	return nil
}

// rolloverPhase closes positions entering the expiry window and reopens them
// further out: shorts into the next monthly, hedges into the next weekly at
// double quantity. The close is emitted even when no replacement can be
// found, because the expiring contract dies either way.
func (e *Engine) rolloverPhase(in Input, cls Classification, res *Result) error {
	expiring := cls.Expiring(in.Calendar, in.Now, in.Policy.RolloverDays)
	if len(expiring) == 0 {
		return nil
	}

	rolling := make(map[models.InstrumentKey]bool, len(expiring))
	for _, p := range expiring {
		rolling[p.Instrument.Key()] = true
	}
	resolver := strike.Resolver{Gap: in.Policy.AdjacencyGap, MaxIterations: in.Policy.MaxStrikeIterations}

	for _, p := range expiring {
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     models.ActionClose,
			Instrument: p.Instrument,
			Quantity:   p.AbsQuantity(),
			Style:      models.StyleMarket,
			Tag:        models.TagRolloverClose,
			Reason:     fmt.Sprintf("%s expires in %d days", p.Instrument, in.Calendar.DaysTo(in.Now, p.Instrument.Expiry)),
		})

		isHedge := p.Role == models.RoleHedgeBuy
		var nextExp time.Time
		var err error
		if p.IsLong() {
			nextExp, err = in.Calendar.NextWeeklyAfter(p.Instrument.Expiry)
		} else {
			nextExp, err = in.Calendar.NextMonthlyAfter(p.Instrument.Expiry)
		}
		if err != nil {
			e.warnf(res, "rollover of %s closed without replacement: %v", p.Instrument, err)
			continue
		}

		target := p.Instrument.Strike
		if wavg, avgPremium, ok := sideAverages(cls.remainingShortsOnSide(p.Instrument.OptionType, rolling)); ok {
			shifted := wavg + float64(p.Instrument.OptionType.ShiftDirection())*avgPremium
			target = strike.RoundToIncrement(shifted, in.Policy.StrikeIncrement)
		}
		freeStrike, err := resolver.FindFreeStrike(in.Snapshot, nextExp, p.Instrument.OptionType, target)
		if err != nil {
			e.warnf(res, "rollover of %s closed without replacement: no free strike from %d", p.Instrument, target)
			continue
		}
		inst, err := e.lookup.Lookup(nextExp, freeStrike, p.Instrument.OptionType)
		if err != nil {
			e.warnf(res, "rollover of %s closed without replacement: %v", p.Instrument, err)
			continue
		}

		qty := p.AbsQuantity()
		action := models.ActionSell
		tag := models.TagRollover
		if p.IsLong() {
			action = models.ActionBuy
			if isHedge {
				// Replacement hedges double, same as touched-hedge swaps,
				// and stay tagged as hedges so they remain managed.
				qty *= 2
				tag = models.TagHedgeBuy
			}
		}
		res.Intents = append(res.Intents, models.OrderIntent{
			Action:     action,
			Instrument: inst,
			Quantity:   qty,
			Style:      models.StyleMarket,
			Tag:        tag,
			Reason:     fmt.Sprintf("rolling %s to %s %d", p.Instrument, nextExp.Format("2006-01-02"), freeStrike),
		})
	}
	return nil
}

// warnf records a warning on the result and mirrors it to the logger.
func (e *Engine) warnf(res *Result, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("Warning: %s", msg)
	res.Warnings = append(res.Warnings, msg)
}

// closeAll emits one CLOSE per active position under the given tag.
func closeAll(snapshot models.PositionSnapshot, tag models.IntentTag) []models.OrderIntent {
	var out []models.OrderIntent
	for _, p := range snapshot.Active() {
		out = append(out, models.OrderIntent{
			Action:     models.ActionClose,
			Instrument: p.Instrument,
			Quantity:   p.AbsQuantity(),
			Style:      models.StyleMarket,
			Tag:        tag,
			Reason:     fmt.Sprintf("closing %s qty %d", p.Instrument, p.Quantity),
		})
	}
	return out
}

// hedgeAt reports whether one of the hedge legs sits at the given slot.
func hedgeAt(hedges []models.Position, slot models.InstrumentKey) bool {
	for _, h := range hedges {
		if h.Instrument.Key() == slot {
			return true
		}
	}
	return false
}

// sideAverages returns the quantity-weighted average strike and premium of
// the given legs. ok is false for an empty set.
func sideAverages(legs []models.Position) (wavgStrike, avgPremium float64, ok bool) {
	var strikeSum, premiumSum, qtySum float64
	for _, p := range legs {
		q := float64(p.AbsQuantity())
		strikeSum += float64(p.Instrument.Strike) * q
		premiumSum += p.LastPrice * q
		qtySum += q
	}
	if qtySum == 0 {
		return 0, 0, false
	}
	return strikeSum / qtySum, premiumSum / qtySum, true
}
