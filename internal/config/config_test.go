package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalPaper = `
environment:
  mode: paper
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalPaper))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Strategy.Underlying != "NIFTY" {
		t.Errorf("underlying = %q, want NIFTY", cfg.Strategy.Underlying)
	}
	if cfg.Strategy.LotSize != 75 {
		t.Errorf("lot_size = %d, want 75", cfg.Strategy.LotSize)
	}
	if !cfg.Strategy.Straddle || cfg.Strategy.Strangle {
		t.Errorf("default mode should be straddle, got straddle=%v strangle=%v",
			cfg.Strategy.Straddle, cfg.Strategy.Strangle)
	}
	if !cfg.Strategy.FarSellAdd || !cfg.Strategy.BuyHedge {
		t.Error("far_sell_add and buy_hedge should default true")
	}
	if cfg.Strategy.ShutdownLossPct != 0.125 {
		t.Errorf("shutdown_loss_pct = %v, want 0.125", cfg.Strategy.ShutdownLossPct)
	}
	if got := cfg.GetCheckInterval(); got != 5*time.Minute {
		t.Errorf("check interval = %v, want 5m", got)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment:
  mode: paper
strategy:
  straddle: false
  strangle: true
  strangle_distance: 800
  lot_size: 50
schedule:
  check_interval: 60s
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy.Straddle || !cfg.Strategy.Strangle {
		t.Error("expected strangle mode")
	}
	if cfg.Strategy.StrangleDistance != 800 {
		t.Errorf("strangle_distance = %v, want 800", cfg.Strategy.StrangleDistance)
	}
	if cfg.Strategy.LotSize != 50 {
		t.Errorf("lot_size = %v, want 50", cfg.Strategy.LotSize)
	}
	// Untouched keys keep their defaults.
	if cfg.Strategy.HedgeLossThreshold != 0.25 {
		t.Errorf("hedge_loss_threshold = %v, want 0.25", cfg.Strategy.HedgeLossThreshold)
	}
	if got := cfg.GetCheckInterval(); got != time.Minute {
		t.Errorf("check interval = %v, want 1m", got)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_KITE_SECRET", "s3cret")
	cfg, err := Load(writeConfig(t, `
environment:
  mode: paper
broker:
  api_secret: ${TEST_KITE_SECRET}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.APISecret != "s3cret" {
		t.Errorf("api_secret = %q, want expanded env value", cfg.Broker.APISecret)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: paper
strategy:
  lot_sizes: 75
`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "lot_sizes") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			"bad mode",
			"environment:\n  mode: dryrun\n",
			"environment.mode",
		},
		{
			"live requires api key",
			"environment:\n  mode: live\n",
			"api_key",
		},
		{
			"both straddle and strangle",
			"environment:\n  mode: paper\nstrategy:\n  strangle: true\n",
			"exactly one",
		},
		{
			"threshold out of range",
			"environment:\n  mode: paper\nstrategy:\n  hedge_loss_threshold: 1.5\n",
			"hedge_loss_threshold",
		},
		{
			"zero lot size",
			"environment:\n  mode: paper\nstrategy:\n  lot_size: -1\n",
			"lot_size",
		},
		{
			"bad interval",
			"environment:\n  mode: paper\nschedule:\n  check_interval: five minutes\n",
			"check_interval",
		},
		{
			"bad extra holiday",
			"environment:\n  mode: paper\nschedule:\n  extra_holidays: [\"21-08-2026\"]\n",
			"extra_holidays",
		},
		{
			"redis enabled needs ttl",
			"environment:\n  mode: paper\nredis:\n  enabled: true\n  ttl: soon\n",
			"redis.ttl",
		},
		{
			"telegram enabled needs chat",
			"environment:\n  mode: paper\ntelegram:\n  enabled: true\n  bot_token: abc\n",
			"chat_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestQuantity(t *testing.T) {
	p := StrategyPolicy{LotSize: 75, MarginPerLot: 120000}
	tests := []struct {
		name   string
		margin float64
		want   int
	}{
		{"eight lots", 1000000, 8 * 75},
		{"floor not round", 239999, 75},
		{"minimum one lot", 50000, 75},
		{"zero margin still one lot", 0, 75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Quantity(tt.margin); got != tt.want {
				t.Errorf("Quantity(%v) = %d, want %d", tt.margin, got, tt.want)
			}
		})
	}
}

func TestHedgeQuantity(t *testing.T) {
	matched := StrategyPolicy{LotSize: 75, HedgeOneLot: false}
	if got := matched.HedgeQuantity(-150); got != 150 {
		t.Errorf("matched hedge = %d, want 150", got)
	}
	oneLot := StrategyPolicy{LotSize: 75, HedgeOneLot: true}
	if got := oneLot.HedgeQuantity(-600); got != 75 {
		t.Errorf("one-lot hedge = %d, want 75", got)
	}
}

func TestProfitTargetRupees(t *testing.T) {
	p := StrategyPolicy{ProfitPoints: 250, PointValue: 75}
	if got := p.ProfitTargetRupees(); got != 18750 {
		t.Errorf("target = %v, want 18750", got)
	}
}
