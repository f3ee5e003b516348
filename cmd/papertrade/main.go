// The papertrade command runs a scripted trading day against the in-memory
// broker: it generates a synthetic option chain, walks the index through a
// price path, runs reconciliation cycles, and prints every decision. No
// credentials, network, or disk state beyond a throwaway journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/engine"
	"github.com/kmenon/nifty_straddler/internal/instruments"
	"github.com/kmenon/nifty_straddler/internal/marketcal"
	"github.com/kmenon/nifty_straddler/internal/mock"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/placement"
	"github.com/kmenon/nifty_straddler/internal/quotes"
)

func main() {
	cycles := flag.Int("cycles", 6, "number of reconciliation cycles to run")
	spot := flag.Float64("spot", 24000, "starting index level")
	drift := flag.Float64("drift", 120, "index points added per cycle")
	margin := flag.Float64("margin", 960000, "paper account margin")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.Ltime)
	if err := run(*cycles, *spot, *drift, *margin, logger); err != nil {
		logger.Fatalf("Fatal: %v", err)
	}
}

func run(cycles int, spot, drift, margin float64, logger *log.Logger) error {
	cfg := defaultStrategy()

	gateway := mock.NewBroker(models.Margin{Available: margin})
	now := nextSessionTime(time.Now())

	dump := syntheticChain(cfg.Underlying, now, spot, cfg.StrikeIncrement)
	gateway.SetDump(dump)
	cache, err := instruments.Parse(dump, cfg.Underlying, marketcal.IST)
	if err != nil {
		return fmt.Errorf("building chain: %w", err)
	}
	logger.Printf("Synthetic chain: %d contracts", cache.Len())

	quoteCache := quotes.NewCache(time.Hour, nil, logger)
	eng := engine.New(cache, quoteCache, logger)
	executor := placement.NewExecutor(gateway, logger, placement.Config{
		PollInterval: 10 * time.Millisecond,
		FillTimeout:  time.Second,
		CallTimeout:  time.Second,
		OrderGap:     10 * time.Millisecond,
		LimitBuffer:  0.05,
	})

	ctx := context.Background()
	for i := 0; i < cycles; i++ {
		level := spot + drift*float64(i)
		markChain(gateway, cache, level)
		gateway.SetPrice(spotLTPKey(cfg.Underlying), level)

		snapshot, err := broker.BuildSnapshot(ctx, gateway, cache, now, logger)
		if err != nil {
			return fmt.Errorf("cycle %d snapshot: %w", i+1, err)
		}

		risk := models.RiskState{DataOK: true, SpotPrice: level, MarginAvailable: margin}
		for _, p := range snapshot.Active() {
			risk.UnrealizedPnL += p.UnrealizedPnL
		}

		fmt.Printf("\n=== cycle %d  spot %.0f  pnl %.0f ===\n", i+1, level, risk.UnrealizedPnL)
		result := eng.Run(engine.Input{
			Now:            now,
			TradingAllowed: true,
			Policy:         cfg,
			Snapshot:       snapshot,
			Risk:           risk,
			Calendar:       cache.Calendar(),
		})
		for _, w := range result.Warnings {
			fmt.Printf("  warn: %s\n", w)
		}
		if result.Shutdown {
			fmt.Println("  SHUTDOWN: loss breaker tripped, flattening")
		}
		if result.ProfitTarget {
			fmt.Println("  PROFIT TARGET: flattening")
		}

		for _, report := range executor.Execute(ctx, result.Intents, snapshot) {
			status := string(report.Status)
			if report.Err != nil {
				status = "FAILED: " + report.Err.Error()
			}
			fmt.Printf("  %-9s %-22s qty %-5d [%s] %s\n",
				report.Intent.Action, report.Intent.Instrument.Symbol,
				report.Intent.Quantity, report.Intent.Tag, status)
		}
		if len(result.Intents) == 0 {
			fmt.Println("  no action")
		}

		if result.Shutdown || result.ProfitTarget {
			break
		}
		now = now.Add(5 * time.Minute)
	}

	printBook(ctx, gateway)
	return nil
}

func defaultStrategy() config.StrategyPolicy {
	return config.StrategyPolicy{
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
	}
}

// nextSessionTime returns a weekday 11:00 IST at or after t so the synthetic
// day always sits inside trading hours.
func nextSessionTime(t time.Time) time.Time {
	day := t.In(marketcal.IST)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 11, 0, 0, 0, marketcal.IST)
}

// syntheticChain lists four months of monthly expiries with strikes spanning
// 10% either side of spot.
func syntheticChain(underlying string, now time.Time, spot float64, increment int) []byte {
	var b strings.Builder
	b.WriteString("instrument_token,tradingsymbol,name,expiry,strike,instrument_type,lot_size,tick_size,exchange\n")

	low := int(spot*0.9) / increment * increment
	high := int(spot*1.1) / increment * increment
	token := 10000
	for month := 1; month <= 4; month++ {
		ref := now.AddDate(0, month, 0)
		exp := lastThursday(ref.Year(), ref.Month())
		mon := strings.ToUpper(exp.Format("Jan"))
		for strike := low; strike <= high; strike += increment {
			for _, ot := range []string{"CE", "PE"} {
				token++
				fmt.Fprintf(&b, "%d,%s%s%s%d%s,%s,%s,%d,%s,75,0.05,NFO\n",
					token, underlying, exp.Format("06"), mon, strike, ot,
					underlying, exp.Format("2006-01-02"), strike, ot)
			}
		}
	}
	return []byte(b.String())
}

func lastThursday(year int, month time.Month) time.Time {
	end := time.Date(year, month+1, 1, 0, 0, 0, 0, marketcal.IST).AddDate(0, 0, -1)
	offset := (int(end.Weekday()) - int(time.Thursday) + 7) % 7
	return end.AddDate(0, 0, -offset)
}

// markChain scripts a crude premium for every contract: intrinsic value plus
// a flat time premium. Enough shape for hedging and profit phases to react.
func markChain(gateway *mock.Broker, cache *instruments.Cache, spot float64) {
	const timePremium = 120.0
	for _, exp := range cache.Calendar().Dates() {
		for strike := int(spot*0.9) / 50 * 50; strike <= int(spot*1.1)/50*50; strike += 50 {
			for _, ot := range []models.OptionType{models.OptionCE, models.OptionPE} {
				inst, err := cache.Lookup(exp, strike, ot)
				if err != nil {
					continue
				}
				intrinsic := spot - float64(strike)
				if ot == models.OptionPE {
					intrinsic = -intrinsic
				}
				if intrinsic < 0 {
					intrinsic = 0
				}
				gateway.SetPrice(inst.Exchange+":"+inst.Symbol, intrinsic+timePremium)
			}
		}
	}
}

func spotLTPKey(underlying string) string {
	if underlying == "BANKNIFTY" {
		return "NSE:NIFTY BANK"
	}
	return "NSE:NIFTY 50"
}

func printBook(ctx context.Context, gateway *mock.Broker) {
	positions, err := gateway.Positions(ctx)
	if err != nil {
		return
	}
	fmt.Println("\n=== final book ===")
	var realized, unrealized float64
	for _, p := range positions {
		realized += p.Realised
		unrealized += p.Unrealised
		if p.Quantity == 0 {
			continue
		}
		fmt.Printf("  %-22s qty %-6d avg %-8.2f ltp %-8.2f pnl %.0f\n",
			p.Tradingsymbol, p.Quantity, p.AveragePrice, p.LastPrice, p.PnL)
	}
	fmt.Printf("  realized %.0f  unrealized %.0f\n", realized, unrealized)
}
