// Package main provides an emergency liquidation utility: it cancels every
// pending order and flattens every open position with market orders through
// the broker API.
//
// Usage:
//
//	go run ./scripts/liquidate --config config.yaml --confirm
//
// The tool refuses to act without --confirm. It reuses the stored session
// token; run the bot (or complete a login) first if the token is stale.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/session"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	confirm := flag.Bool("confirm", false, "actually place the liquidation orders")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsPaperTrading() {
		logger.Fatalf("Config is in paper mode; nothing to liquidate")
	}

	sess, err := session.NewStore(cfg.Storage.SessionPath).Load(time.Now())
	if err != nil {
		logger.Fatalf("No usable session token (%v); run the bot to log in first", err)
	}
	client := broker.NewKiteClient(cfg.Broker.APIKey, sess.AccessToken, cfg.Broker.BaseURL, cfg.Strategy.Exchange, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("LIQUIDATE ALL POSITIONS - MARKET ORDERS")
	fmt.Println("WARNING: this closes every open position in the account")

	if err := run(ctx, client, *confirm, logger); err != nil {
		logger.Fatalf("Liquidation failed: %v", err)
	}
}

func run(ctx context.Context, client broker.Broker, confirm bool, logger *log.Logger) error {
	orders, err := client.Orders(ctx)
	if err != nil {
		return fmt.Errorf("fetching orders: %w", err)
	}
	pending := 0
	for _, o := range orders {
		switch o.Status {
		case "OPEN", "TRIGGER PENDING", "AMO REQ RECEIVED", "OPEN PENDING", "MODIFY PENDING":
		default:
			continue
		}
		pending++
		fmt.Printf("  pending %s %s %s qty %d\n", o.OrderID, o.TransactionType, o.Tradingsymbol, o.Quantity)
		if !confirm {
			continue
		}
		if err := client.CancelOrder(ctx, o.OrderID); err != nil {
			logger.Printf("Warning: cancelling %s: %v", o.OrderID, err)
		} else {
			fmt.Printf("  cancelled %s\n", o.OrderID)
		}
	}
	if pending == 0 {
		fmt.Println("No pending orders")
	}

	positions, err := client.Positions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}

	open := 0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		open++
		side := "SELL"
		qty := p.Quantity
		if p.Quantity < 0 {
			side = "BUY"
			qty = -qty
		}
		fmt.Printf("  %s %s qty %d (pnl %.2f)\n", side, p.Tradingsymbol, qty, p.PnL)

		if !confirm {
			continue
		}
		orderID, err := client.PlaceOrder(ctx, broker.OrderParams{
			Exchange:        p.Exchange,
			Tradingsymbol:   p.Tradingsymbol,
			TransactionType: side,
			OrderType:       "MARKET",
			Product:         p.Product,
			Quantity:        qty,
			Tag:             "LIQUIDATE",
		})
		if err != nil {
			logger.Printf("Warning: closing %s: %v", p.Tradingsymbol, err)
			continue
		}
		fmt.Printf("  placed close order %s\n", orderID)
	}

	if open == 0 {
		fmt.Println("No open positions")
		return nil
	}
	if !confirm {
		fmt.Printf("\nDry run: %d position(s) listed. Re-run with --confirm to liquidate.\n", open)
	}
	return nil
}
