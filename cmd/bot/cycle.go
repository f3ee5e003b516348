package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/engine"
	"github.com/kmenon/nifty_straddler/internal/expiry"
	"github.com/kmenon/nifty_straddler/internal/journal"
	"github.com/kmenon/nifty_straddler/internal/marketcal"
	"github.com/kmenon/nifty_straddler/internal/metrics"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/notify"
	"github.com/kmenon/nifty_straddler/internal/placement"
	"github.com/kmenon/nifty_straddler/internal/quotes"
)

// spotReference maps an underlying to its cash-index quote identity: the
// LTP key the REST API uses and the stream token.
func spotReference(underlying string) (symbol string, token uint32) {
	switch underlying {
	case "BANKNIFTY":
		return "NSE:NIFTY BANK", 260105
	default:
		return "NSE:NIFTY 50", 256265
	}
}

// instrumentSource is the option-chain view the driver needs each cycle. The
// instrument cache satisfies it directly; main wraps it in a swappable holder
// so the morning refresh can replace the chain without restarting.
type instrumentSource interface {
	Lookup(exp time.Time, strike int, optionType models.OptionType) (models.Instrument, error)
	BySymbol(symbol string) (models.Instrument, error)
	Calendar() expiry.Calendar
}

// Driver owns one reconciliation cycle end to end: fetch the world, run the
// engine, execute the intents, and record everything. It also serves as the
// dashboard's state provider.
type Driver struct {
	cfg       *config.Config
	broker    broker.Broker
	engine    *engine.Engine
	executor  *placement.Executor
	cache     instrumentSource
	quotes    *quotes.Cache
	marketCal *marketcal.Calendar
	journal   *journal.Journal
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	logger    *log.Logger

	// nowFunc is swappable for tests.
	nowFunc func() time.Time
	// subscribe feeds new tokens to the market stream; nil in paper setups
	// without one.
	subscribe func(tokens ...uint32) error

	mu           sync.RWMutex
	lastSnapshot models.PositionSnapshot
	lastRisk     models.RiskState
	haveState    bool
	// halted latches after a shutdown or profit-target flatten; no further
	// trading until the next morning reset.
	halted bool
}

// NewDriver wires a driver from its collaborators.
func NewDriver(
	cfg *config.Config,
	b broker.Broker,
	eng *engine.Engine,
	exec *placement.Executor,
	cache instrumentSource,
	qc *quotes.Cache,
	cal *marketcal.Calendar,
	jrnl *journal.Journal,
	m *metrics.Metrics,
	notifier notify.Notifier,
	logger *log.Logger,
) *Driver {
	if logger == nil {
		logger = log.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Driver{
		cfg:       cfg,
		broker:    b,
		engine:    eng,
		executor:  exec,
		cache:     cache,
		quotes:    qc,
		marketCal: cal,
		journal:   jrnl,
		metrics:   m,
		notifier:  notifier,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// LastSnapshot implements dashboard.StateProvider.
func (d *Driver) LastSnapshot() (models.PositionSnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSnapshot, d.haveState
}

// LastRisk implements dashboard.StateProvider.
func (d *Driver) LastRisk() (models.RiskState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRisk, d.haveState
}

// ResetDay clears the halted latch. The morning job runs this before the
// session opens.
func (d *Driver) ResetDay() {
	d.mu.Lock()
	d.halted = false
	d.mu.Unlock()
	d.logger.Printf("Daily reset: trading re-enabled")
}

// RunCycle executes one full reconciliation cycle. It never returns an error
// for trading-level problems; those are recorded and alerted. An error means
// the cycle could not even assemble its inputs.
func (d *Driver) RunCycle(ctx context.Context) error {
	started := time.Now()
	now := d.nowFunc().In(marketcal.IST)

	marketOpen := d.marketCal.IsMarketOpen(now)
	if d.metrics != nil {
		if marketOpen {
			d.metrics.MarketOpen.Set(1)
		} else {
			d.metrics.MarketOpen.Set(0)
		}
	}

	d.mu.RLock()
	halted := d.halted
	d.mu.RUnlock()
	if !marketOpen || halted {
		d.recordCycle(journal.CycleRecord{At: now, Result: "skipped"}, nil, started)
		return nil
	}

	snapshot, err := broker.BuildSnapshot(ctx, d.broker, d.cache, now, d.logger)
	if err != nil {
		d.logger.Printf("Warning: cycle aborted: %v", err)
		d.recordCycle(journal.CycleRecord{At: now, Result: "error", Notes: err.Error()}, nil, started)
		return fmt.Errorf("building snapshot: %w", err)
	}

	risk := d.buildRisk(ctx, snapshot)

	d.subscribePositions(snapshot)

	result := d.engine.Run(engine.Input{
		Now:            now,
		TradingAllowed: true,
		Policy:         d.cfg.Strategy,
		Snapshot:       snapshot,
		Risk:           risk,
		Calendar:       d.cache.Calendar(),
	})

	if result.Shutdown {
		// Resting stops must die before the flatten or they fire into it.
		if err := d.executor.CancelOpenOrders(ctx, snapshot); err != nil {
			d.logger.Printf("Warning: cancelling open orders for shutdown: %v", err)
		}
		d.notify(ctx, notify.Alert{
			Level: notify.LevelCritical, Title: "Loss shutdown",
			Message: fmt.Sprintf("Unrealized PnL %.2f against margin %.2f; flattening all positions.", risk.UnrealizedPnL, risk.MarginAvailable),
		})
		if d.metrics != nil {
			d.metrics.ShutdownsTotal.Inc()
		}
	}

	reports := d.executor.Execute(ctx, result.Intents, snapshot)

	if result.Shutdown || result.ProfitTarget {
		d.mu.Lock()
		d.halted = true
		d.mu.Unlock()
	}
	if result.ProfitTarget {
		d.notify(ctx, notify.Alert{
			Level: notify.LevelInfo, Title: "Profit target",
			Message: fmt.Sprintf("Unrealized PnL %.2f reached the %.0f target; book flattened.", risk.UnrealizedPnL, d.cfg.Strategy.ProfitTargetRupees()),
		})
	}

	d.observe(result, reports, risk)

	cycleResult := "ok"
	if !risk.DataOK {
		cycleResult = "skipped"
	}
	record := journal.CycleRecord{
		At:              now,
		Result:          cycleResult,
		Spot:            risk.SpotPrice,
		UnrealizedPnL:   risk.UnrealizedPnL,
		MarginAvailable: risk.MarginAvailable,
		IntentCount:     len(result.Intents),
		WarningCount:    len(result.Warnings),
		Shutdown:        result.Shutdown,
	}
	d.recordCycle(record, reports, started)

	d.mu.Lock()
	d.lastSnapshot = snapshot
	d.lastRisk = risk
	d.haveState = true
	d.mu.Unlock()

	return nil
}

// buildRisk assembles the cycle's risk view. Any missing piece clears DataOK
// so the engine skips its action phases instead of trading blind.
func (d *Driver) buildRisk(ctx context.Context, snapshot models.PositionSnapshot) models.RiskState {
	risk := models.RiskState{DataOK: true}

	margin, err := d.broker.Margins(ctx)
	if err != nil {
		d.logger.Printf("Warning: margins unavailable: %v", err)
		risk.DataOK = false
	} else {
		risk.MarginAvailable = margin.Available
		risk.MarginUsed = margin.Used
		risk.MarginUtilization = margin.Utilization()
	}

	for _, p := range snapshot.Active() {
		risk.UnrealizedPnL += p.UnrealizedPnL
	}

	spot, err := d.quotes.Spot()
	if err != nil {
		symbol, _ := spotReference(d.cfg.Strategy.Underlying)
		spot, err = d.broker.LTP(ctx, symbol)
		if err != nil || spot <= 0 {
			d.logger.Printf("Warning: spot unavailable: %v", err)
			risk.DataOK = false
			spot = 0
		}
	}
	risk.SpotPrice = spot
	return risk
}

// SetSubscriber wires the market stream's subscribe call.
func (d *Driver) SetSubscriber(fn func(tokens ...uint32) error) {
	d.subscribe = fn
}

// subscribePositions keeps the stream fed with every held token so hedge
// recycling always has premiums to scan.
func (d *Driver) subscribePositions(snapshot models.PositionSnapshot) {
	if d.subscribe == nil {
		return
	}
	var tokens []uint32
	for _, p := range snapshot.Active() {
		if p.Instrument.Token != 0 {
			tokens = append(tokens, p.Instrument.Token)
		}
	}
	if len(tokens) == 0 {
		return
	}
	if err := d.subscribe(tokens...); err != nil {
		d.logger.Printf("Warning: subscribing position tokens: %v", err)
	}
}

func (d *Driver) observe(result engine.Result, reports []placement.Report, risk models.RiskState) {
	for _, w := range result.Warnings {
		d.logger.Printf("Warning: %s", w)
	}
	for _, pe := range result.PhaseErrors {
		d.logger.Printf("Warning: %v", pe)
		if d.metrics != nil {
			d.metrics.PhaseErrorsTotal.WithLabelValues(pe.Phase).Inc()
		}
	}
	if d.metrics == nil {
		return
	}
	for _, r := range reports {
		d.metrics.IntentsTotal.WithLabelValues(string(r.Intent.Action), string(r.Intent.Tag)).Inc()
	}
	d.metrics.UnrealizedPnL.Set(risk.UnrealizedPnL)
	d.metrics.MarginAvailable.Set(risk.MarginAvailable)
}

func (d *Driver) recordCycle(record journal.CycleRecord, reports []placement.Report, started time.Time) {
	if d.metrics != nil {
		d.metrics.CyclesTotal.WithLabelValues(record.Result).Inc()
		d.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	}
	if d.journal == nil {
		return
	}
	cycleID, err := d.journal.RecordCycle(record)
	if err != nil {
		d.logger.Printf("Warning: journaling cycle: %v", err)
		return
	}
	for _, r := range reports {
		rec := journal.IntentRecord{
			CycleID:  cycleID,
			IntentID: r.IntentID,
			At:       record.At,
			Action:   string(r.Intent.Action),
			Symbol:   r.Intent.Instrument.Symbol,
			Quantity: r.Intent.Quantity,
			Tag:      string(r.Intent.Tag),
			OrderID:  r.OrderID,
			Status:   string(r.Status),
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		if err := d.journal.RecordIntent(rec); err != nil {
			d.logger.Printf("Warning: journaling intent: %v", err)
		}
	}
}

func (d *Driver) notify(ctx context.Context, alert notify.Alert) {
	if err := d.notifier.Notify(ctx, alert); err != nil {
		d.logger.Printf("Warning: alert delivery failed: %v", err)
	}
}

// EndOfDay sends the daily summary. The afternoon job runs this after close.
func (d *Driver) EndOfDay(ctx context.Context) {
	if d.journal == nil {
		return
	}
	summary, err := d.journal.Summary(d.nowFunc().In(marketcal.IST))
	if err != nil {
		d.logger.Printf("Warning: end-of-day summary: %v", err)
		return
	}
	d.notify(ctx, notify.Alert{Level: notify.LevelInfo, Title: "End of day", Message: summary.String()})
}
