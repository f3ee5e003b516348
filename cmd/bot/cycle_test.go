package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/engine"
	"github.com/kmenon/nifty_straddler/internal/instruments"
	"github.com/kmenon/nifty_straddler/internal/journal"
	"github.com/kmenon/nifty_straddler/internal/marketcal"
	"github.com/kmenon/nifty_straddler/internal/mock"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/placement"
	"github.com/kmenon/nifty_straddler/internal/quotes"
)

// tradingTime is a mid-session Tuesday morning.
var tradingTime = time.Date(2026, time.September, 1, 11, 0, 0, 0, marketcal.IST)

const spotToken uint32 = 256265

// sampleDump builds a three-month NIFTY option chain around 24000.
func sampleDump(t *testing.T) []byte {
	t.Helper()
	expiries := []time.Time{
		time.Date(2026, time.September, 24, 0, 0, 0, 0, marketcal.IST),
		time.Date(2026, time.October, 29, 0, 0, 0, 0, marketcal.IST),
		time.Date(2026, time.November, 26, 0, 0, 0, 0, marketcal.IST),
	}

	var b strings.Builder
	b.WriteString("instrument_token,tradingsymbol,name,expiry,strike,instrument_type,lot_size,tick_size,exchange\n")
	token := 5000
	for _, exp := range expiries {
		mon := strings.ToUpper(exp.Format("Jan"))
		for strike := 23600; strike <= 24400; strike += 50 {
			for _, ot := range []string{"CE", "PE"} {
				token++
				fmt.Fprintf(&b, "%d,NIFTY26%s%d%s,NIFTY,%s,%d,%s,75,0.05,NFO\n",
					token, mon, strike, ot, exp.Format("2006-01-02"), strike, ot)
			}
		}
	}
	return []byte(b.String())
}

func testConfig() *config.Config {
	return &config.Config{
		Strategy: config.StrategyPolicy{
			Underlying:          "NIFTY",
			Exchange:            "NFO",
			LotSize:             75,
			MarginPerLot:        120000,
			PointValue:          75,
			StrikeIncrement:     50,
			AdjacencyGap:        50,
			Straddle:            true,
			HedgeLossThreshold:  0.25,
			ProfitThreshold:     0.25,
			StopLossPct:         0.90,
			ShutdownLossPct:     0.125,
			ProfitPoints:        250,
			HedgeTouchBufferPts: 100,
			FarMonthIndex:       3,
			RolloverDays:        3,
			MaxStrikeIterations: 20,
			FarSellAdd:          true,
			BuyHedge:            true,
		},
	}
}

type harness struct {
	driver  *Driver
	broker  *mock.Broker
	journal *journal.Journal
	quotes  *quotes.Cache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	m := mock.NewBroker(models.Margin{Available: 960000})
	dump := sampleDump(t)
	m.SetDump(dump)

	cache, err := instruments.Parse(dump, "NIFTY", marketcal.IST)
	require.NoError(t, err)

	qc := quotes.NewCache(0, nil, logger)
	qc.SetSpotToken(spotToken)

	jrnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { jrnl.Close() })

	fast := placement.Config{
		PollInterval: time.Millisecond,
		FillTimeout:  time.Second,
		CallTimeout:  time.Second,
		OrderGap:     time.Millisecond,
		LimitBuffer:  0.05,
	}

	d := NewDriver(
		testConfig(), m,
		engine.New(cache, qc, logger),
		placement.NewExecutor(m, logger, fast),
		cache, qc, marketcal.New(nil), jrnl, nil,
		nil, logger,
	)
	d.nowFunc = func() time.Time { return tradingTime }

	// Every listed contract trades at 150 unless a test moves it.
	for _, line := range strings.Split(string(dump), "\n")[1:] {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		m.SetPrice("NFO:"+fields[1], 150)
	}

	return &harness{driver: d, broker: m, journal: jrnl, quotes: qc}
}

func (h *harness) seedSpot(price float64) {
	h.quotes.Update(spotToken, price, time.Now())
}

func TestRunCycleEntersStraddle(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)

	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, err := h.broker.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	for _, p := range positions {
		// 960000 margin at 120000 per lot: 8 lots of 75.
		assert.Equal(t, -600, p.Quantity, "leg %s", p.Tradingsymbol)
		assert.Contains(t, p.Tradingsymbol, "NIFTY26NOV24000")
	}

	cycles, err := h.journal.RecentCycles(1)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "ok", cycles[0].Result)
	assert.Equal(t, 2, cycles[0].IntentCount)
	assert.Equal(t, 24000.0, cycles[0].Spot)

	risk, ok := h.driver.LastRisk()
	require.True(t, ok)
	assert.True(t, risk.DataOK)
	assert.Equal(t, 24000.0, risk.SpotPrice)
}

func TestRunCycleDoesNotStackEntries(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)

	require.NoError(t, h.driver.RunCycle(context.Background()))
	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, err := h.broker.Positions(context.Background())
	require.NoError(t, err)
	assert.Len(t, positions, 2, "second cycle must see the sold legs and stand down")

	cycles, err := h.journal.RecentCycles(1)
	require.NoError(t, err)
	assert.Equal(t, 0, cycles[0].IntentCount)
}

func TestRunCycleSkipsOutsideSessionHours(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)
	h.driver.nowFunc = func() time.Time {
		return time.Date(2026, time.September, 5, 11, 0, 0, 0, marketcal.IST) // Saturday
	}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, _ := h.broker.Positions(context.Background())
	assert.Empty(t, positions)

	cycles, err := h.journal.RecentCycles(1)
	require.NoError(t, err)
	assert.Equal(t, "skipped", cycles[0].Result)
}

func TestRunCycleSkipsWhileHalted(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)
	h.driver.halted = true

	require.NoError(t, h.driver.RunCycle(context.Background()))
	positions, _ := h.broker.Positions(context.Background())
	assert.Empty(t, positions)

	h.driver.ResetDay()
	require.NoError(t, h.driver.RunCycle(context.Background()))
	positions, _ = h.broker.Positions(context.Background())
	assert.Len(t, positions, 2, "reset must re-enable trading")
}

func TestRunCycleWithoutSpotTakesNoAction(t *testing.T) {
	h := newHarness(t)
	// No streamed spot and no REST fallback price scripted.

	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, _ := h.broker.Positions(context.Background())
	assert.Empty(t, positions)

	cycles, err := h.journal.RecentCycles(1)
	require.NoError(t, err)
	assert.Equal(t, "skipped", cycles[0].Result)
}

func TestRunCycleFallsBackToRESTSpot(t *testing.T) {
	h := newHarness(t)
	// Stale stream; only the REST quote knows the index.
	h.broker.SetPrice("NSE:NIFTY 50", 24000)

	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, _ := h.broker.Positions(context.Background())
	assert.Len(t, positions, 2)

	risk, ok := h.driver.LastRisk()
	require.True(t, ok)
	assert.Equal(t, 24000.0, risk.SpotPrice)
}

func TestRunCycleShutdownFlattensAndHalts(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)

	// An existing short book deep under water: sold at 150, now 450.
	// 600 x -300 x 2 legs is far past 12.5% of 960000.
	for _, sym := range []string{"NIFTY26NOV24000CE", "NIFTY26NOV24000PE"} {
		_, err := h.broker.PlaceOrder(context.Background(), broker.OrderParams{
			Exchange: "NFO", Tradingsymbol: sym,
			TransactionType: "SELL", OrderType: "MARKET", Product: "NRML",
			Quantity: 600, Tag: "PRIMARY_SELL",
		})
		require.NoError(t, err)
		h.broker.SetPrice("NFO:"+sym, 450)
	}

	require.NoError(t, h.driver.RunCycle(context.Background()))

	positions, _ := h.broker.Positions(context.Background())
	for _, p := range positions {
		assert.Zero(t, p.Quantity, "leg %s must be flattened", p.Tradingsymbol)
	}

	cycles, err := h.journal.RecentCycles(1)
	require.NoError(t, err)
	assert.True(t, cycles[0].Shutdown)

	// The halt latches: the next cycle places nothing.
	require.NoError(t, h.driver.RunCycle(context.Background()))
	cycles, err = h.journal.RecentCycles(1)
	require.NoError(t, err)
	assert.Equal(t, "skipped", cycles[0].Result)
}

func TestRunCycleAbortsWhenSnapshotFails(t *testing.T) {
	h := newHarness(t)
	h.seedSpot(24000)
	h.driver.broker = failingBroker{h.broker}

	err := h.driver.RunCycle(context.Background())
	require.Error(t, err)

	cycles, jerr := h.journal.RecentCycles(1)
	require.NoError(t, jerr)
	assert.Equal(t, "error", cycles[0].Result)

	_, ok := h.driver.LastSnapshot()
	assert.False(t, ok, "a failed cycle must not publish state")
}

func TestSpotReference(t *testing.T) {
	sym, token := spotReference("NIFTY")
	assert.Equal(t, "NSE:NIFTY 50", sym)
	assert.Equal(t, spotToken, token)

	sym, token = spotReference("BANKNIFTY")
	assert.Equal(t, "NSE:NIFTY BANK", sym)
	assert.Equal(t, uint32(260105), token)
}

// failingBroker breaks the positions read and delegates everything else.
type failingBroker struct {
	broker.Broker
}

func (f failingBroker) Positions(context.Context) ([]broker.NetPosition, error) {
	return nil, fmt.Errorf("upstream down")
}
