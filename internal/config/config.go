// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyPolicy    `yaml:"strategy"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API credentials and endpoints. Secrets are
// expected to arrive via ${ENV_VAR} expansion, never inline.
type BrokerConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	TOTPSecret string `yaml:"totp_secret"`
	BaseURL    string `yaml:"base_url"`
}

// ScheduleConfig defines the reconciliation cadence and calendar overrides.
type ScheduleConfig struct {
	CheckInterval string   `yaml:"check_interval"`
	ExtraHolidays []string `yaml:"extra_holidays"` // 2006-01-02, merged with the built-in table
}

// StrategyPolicy is the validated strategy parameter set. The engine receives
// it by value each cycle; a handed-out policy never mutates.
type StrategyPolicy struct {
	Underlying string `yaml:"underlying"`
	Exchange   string `yaml:"exchange"`

	LotSize      int     `yaml:"lot_size"`
	MarginPerLot float64 `yaml:"margin_per_lot"`
	PointValue   float64 `yaml:"point_value"`

	StrikeIncrement int     `yaml:"strike_increment"`
	Bias            float64 `yaml:"bias"`
	AdjacencyGap    int     `yaml:"adjacency_gap"`

	Straddle         bool    `yaml:"straddle"`
	Strangle         bool    `yaml:"strangle"`
	StrangleDistance float64 `yaml:"strangle_distance"`

	HedgeLossThreshold  float64 `yaml:"hedge_loss_threshold"`
	ProfitThreshold     float64 `yaml:"profit_threshold"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	ShutdownLossPct     float64 `yaml:"shutdown_loss_pct"`
	ProfitPoints        float64 `yaml:"profit_points"`
	HedgeTouchBufferPts float64 `yaml:"hedge_touch_buffer_pts"`

	FarMonthIndex       int  `yaml:"far_month_index"`
	RolloverDays        int  `yaml:"rollover_days"`
	MaxStrikeIterations int  `yaml:"max_strike_iterations"`
	FarSellAdd          bool `yaml:"far_sell_add"`
	BuyHedge            bool `yaml:"buy_hedge"`
	HedgeOneLot         bool `yaml:"hedge_one_lot"`
}

// StorageConfig defines on-disk paths for session, journal, and instrument data.
type StorageConfig struct {
	SessionPath     string `yaml:"session_path"`
	JournalPath     string `yaml:"journal_path"`
	InstrumentsPath string `yaml:"instruments_path"`
}

// RedisConfig defines the optional LTP mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"`
}

// TelegramConfig defines the optional Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// DashboardConfig defines the read-only status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// defaultConfig carries the strategy and infrastructure defaults. Load
// decodes the file over this value, so absent keys keep their defaults,
// including the flags that default to true.
func defaultConfig() Config {
	return Config{
		Environment: EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			BaseURL: "https://api.kite.trade",
		},
		Schedule: ScheduleConfig{
			CheckInterval: "300s",
		},
		Strategy: StrategyPolicy{
			Underlying:          "NIFTY",
			Exchange:            "NFO",
			LotSize:             75,
			MarginPerLot:        120000,
			PointValue:          75,
			StrikeIncrement:     50,
			Bias:                0,
			AdjacencyGap:        50,
			Straddle:            true,
			Strangle:            false,
			StrangleDistance:    1000,
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
			HedgeOneLot:         false,
		},
		Storage: StorageConfig{
			SessionPath:     "data/session.json",
			JournalPath:     "data/journal.db",
			InstrumentsPath: "data/instruments.csv",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  "30s",
		},
		Dashboard: DashboardConfig{
			Listen: ":8080",
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	config := defaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Environment.Mode == "live" {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_secret is required in live mode")
		}
	}

	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
		return fmt.Errorf("schedule.check_interval invalid: %w", err)
	}
	for _, d := range c.Schedule.ExtraHolidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("schedule.extra_holidays entry %q invalid: %w", d, err)
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis.enabled")
		}
		if _, err := time.ParseDuration(c.Redis.TTL); err != nil {
			return fmt.Errorf("redis.ttl invalid: %w", err)
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" || c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram.enabled")
		}
	}

	return nil
}

// Validate checks the strategy parameters for range and consistency errors.
// A policy that fails here is fatal at startup; no cycle runs against it.
func (p *StrategyPolicy) Validate() error {
	if p.Underlying == "" {
		return fmt.Errorf("underlying is required")
	}
	if p.Exchange == "" {
		return fmt.Errorf("exchange is required")
	}
	if p.LotSize <= 0 {
		return fmt.Errorf("lot_size must be > 0")
	}
	if p.MarginPerLot <= 0 {
		return fmt.Errorf("margin_per_lot must be > 0")
	}
	if p.PointValue <= 0 {
		return fmt.Errorf("point_value must be > 0")
	}
	if p.StrikeIncrement <= 0 {
		return fmt.Errorf("strike_increment must be > 0")
	}
	if p.AdjacencyGap <= 0 {
		return fmt.Errorf("adjacency_gap must be > 0")
	}
	if p.Straddle == p.Strangle {
		return fmt.Errorf("exactly one of straddle and strangle must be set")
	}
	if p.Strangle && p.StrangleDistance <= 0 {
		return fmt.Errorf("strangle_distance must be > 0 when strangle is set")
	}
	if p.HedgeLossThreshold <= 0 || p.HedgeLossThreshold >= 1 {
		return fmt.Errorf("hedge_loss_threshold must be in (0,1)")
	}
	if p.ProfitThreshold <= 0 || p.ProfitThreshold >= 1 {
		return fmt.Errorf("profit_threshold must be in (0,1)")
	}
	if p.StopLossPct <= 0 || p.StopLossPct > 1 {
		return fmt.Errorf("stop_loss_pct must be in (0,1]")
	}
	if p.ShutdownLossPct <= 0 || p.ShutdownLossPct >= 1 {
		return fmt.Errorf("shutdown_loss_pct must be in (0,1)")
	}
	if p.ProfitPoints <= 0 {
		return fmt.Errorf("profit_points must be > 0")
	}
	if p.HedgeTouchBufferPts < 0 {
		return fmt.Errorf("hedge_touch_buffer_pts must be >= 0")
	}
	if p.FarMonthIndex < 1 {
		return fmt.Errorf("far_month_index must be >= 1")
	}
	if p.RolloverDays < 0 {
		return fmt.Errorf("rollover_days must be >= 0")
	}
	if p.MaxStrikeIterations <= 0 {
		return fmt.Errorf("max_strike_iterations must be > 0")
	}
	return nil
}

// Quantity returns the entry quantity for the available margin: one lot per
// MarginPerLot of margin, never less than one lot.
func (p StrategyPolicy) Quantity(marginAvailable float64) int {
	lots := int(marginAvailable / p.MarginPerLot)
	if lots < 1 {
		lots = 1
	}
	return lots * p.LotSize
}

// HedgeQuantity returns the hedge size for a sold quantity: one lot when
// HedgeOneLot is set, otherwise matching the sold quantity.
func (p StrategyPolicy) HedgeQuantity(soldQty int) int {
	if p.HedgeOneLot {
		return p.LotSize
	}
	if soldQty < 0 {
		return -soldQty
	}
	return soldQty
}

// ProfitTargetRupees returns the profit target in account currency.
func (p StrategyPolicy) ProfitTargetRupees() float64 {
	return p.ProfitPoints * p.PointValue
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured reconciliation interval duration.
func (c *Config) GetCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CheckInterval)
	if err != nil {
		return 5 * time.Minute // default
	}
	return d
}

// RedisTTL returns the mirror TTL duration.
func (c *Config) RedisTTL() time.Duration {
	d, err := time.ParseDuration(c.Redis.TTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
