// The bot command runs the straddle/strangle reconciliation loop against the
// broker: login, instrument refresh, the market stream, periodic cycles, and
// the observability surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kmenon/nifty_straddler/internal/broker"
	"github.com/kmenon/nifty_straddler/internal/config"
	"github.com/kmenon/nifty_straddler/internal/dashboard"
	"github.com/kmenon/nifty_straddler/internal/engine"
	"github.com/kmenon/nifty_straddler/internal/expiry"
	"github.com/kmenon/nifty_straddler/internal/instruments"
	"github.com/kmenon/nifty_straddler/internal/journal"
	"github.com/kmenon/nifty_straddler/internal/marketcal"
	"github.com/kmenon/nifty_straddler/internal/metrics"
	"github.com/kmenon/nifty_straddler/internal/mock"
	"github.com/kmenon/nifty_straddler/internal/models"
	"github.com/kmenon/nifty_straddler/internal/notify"
	"github.com/kmenon/nifty_straddler/internal/placement"
	"github.com/kmenon/nifty_straddler/internal/quotes"
	"github.com/kmenon/nifty_straddler/internal/session"
	"github.com/kmenon/nifty_straddler/internal/stream"
)

const (
	// morningSpec runs before the session opens: session refresh, instrument
	// refresh, daily reset.
	morningSpec = "45 8 * * 1-5"
	// eveningSpec runs after close: the end-of-day summary.
	eveningSpec = "35 15 * * 1-5"

	paperMargin = 1_000_000
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := run(*configPath, logger); err != nil {
		logger.Fatalf("Fatal: %v", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.Printf("Starting in %s mode, underlying %s", cfg.Environment.Mode, cfg.Strategy.Underlying)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Broker and session.
	var accessToken string
	var gateway broker.Broker
	var kite *broker.KiteClient
	var store *session.Store
	if cfg.IsPaperTrading() {
		gateway, err = paperBroker(cfg, logger)
		if err != nil {
			return err
		}
	} else {
		store = session.NewStore(cfg.Storage.SessionPath)
		accessToken, err = ensureSession(ctx, cfg, store, logger)
		if err != nil {
			return fmt.Errorf("establishing session: %w", err)
		}
		kite = broker.NewKiteClient(cfg.Broker.APIKey, accessToken, cfg.Broker.BaseURL, cfg.Strategy.Exchange, logger)
		gateway = broker.NewCircuitBreakerBroker(kite, logger)

		profile, err := gateway.Profile(ctx)
		if err != nil {
			return fmt.Errorf("validating session: %w", err)
		}
		logger.Printf("Logged in as %s (%s)", profile.UserName, profile.UserID)
	}

	// Instruments, behind a swappable holder so the morning refresh can
	// replace the chain in place.
	cache, err := instruments.Ensure(ctx, gateway, cfg.Storage.InstrumentsPath, cfg.Strategy.Underlying, marketcal.IST, logger)
	if err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}
	chain := newChainHolder(cache)

	// Quotes, with the optional Redis mirror.
	var mirror *quotes.Mirror
	if cfg.Redis.Enabled {
		mirror, err = quotes.NewMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.RedisTTL(), logger)
		if err != nil {
			return fmt.Errorf("connecting redis mirror: %w", err)
		}
		defer mirror.Close()
	}
	quoteCache := quotes.NewCache(0, mirror, logger)
	_, spotToken := spotReference(cfg.Strategy.Underlying)
	quoteCache.SetSpotToken(spotToken)

	// Journal, metrics, notifications.
	jrnl, err := journal.Open(cfg.Storage.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrnl.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}

	// Engine and execution.
	eng := engine.New(chain, quoteCache, logger)
	executor := placement.NewExecutor(gateway, logger)
	marketCal := marketcal.New(cfg.Schedule.ExtraHolidays)

	driver := NewDriver(cfg, gateway, eng, executor, chain, quoteCache, marketCal, jrnl, m, notifier, logger)

	g, ctx := errgroup.WithContext(ctx)

	// Market stream (live only; the mock has no stream).
	if !cfg.IsPaperTrading() {
		ticker := stream.NewTicker(cfg.Broker.APIKey, accessToken, "", func(token uint32, price float64, at time.Time) {
			quoteCache.Update(token, price, at)
		}, logger)
		if err := ticker.Subscribe(spotToken); err != nil {
			return fmt.Errorf("subscribing spot: %w", err)
		}
		driver.SetSubscriber(ticker.Subscribe)
		g.Go(func() error {
			if err := ticker.Run(ctx); err != nil {
				alert := notify.Alert{Level: notify.LevelCritical, Title: "Market stream lost", Message: err.Error()}
				if nerr := notifier.Notify(ctx, alert); nerr != nil {
					logger.Printf("Warning: alert delivery failed: %v", nerr)
				}
				return err
			}
			return nil
		})
	}

	// Observability servers.
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, nil, logger)
		g.Go(func() error { return srv.Run(ctx) })
	}
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		srv := dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, driver, jrnl, dashLogger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	// Daily jobs. The morning job re-validates the session, pulls the fresh
	// instrument dump, and re-arms the halt latch before the open.
	morning := func() {
		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		if kite != nil {
			if _, err := gateway.Profile(jobCtx); errors.Is(err, broker.ErrSessionExpired) {
				if err := store.Clear(); err != nil {
					logger.Printf("Warning: clearing dead session: %v", err)
				}
				token, err := ensureSession(jobCtx, cfg, store, logger)
				if err != nil {
					logger.Printf("Warning: morning re-login failed: %v", err)
					return
				}
				kite.SetAccessToken(token)
			} else if err != nil {
				logger.Printf("Warning: morning session check: %v", err)
			}
		}

		fresh, err := instruments.Ensure(jobCtx, gateway, cfg.Storage.InstrumentsPath, cfg.Strategy.Underlying, marketcal.IST, logger)
		if err != nil {
			logger.Printf("Warning: morning instrument refresh failed, keeping yesterday's chain: %v", err)
		} else {
			chain.set(fresh)
		}
		driver.ResetDay()
	}

	scheduler := cron.New(cron.WithLocation(marketcal.IST))
	if _, err := scheduler.AddFunc(morningSpec, morning); err != nil {
		return fmt.Errorf("scheduling morning job: %w", err)
	}
	if _, err := scheduler.AddFunc(eveningSpec, func() { driver.EndOfDay(ctx) }); err != nil {
		return fmt.Errorf("scheduling evening job: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// The reconciliation loop.
	g.Go(func() error {
		interval := cfg.GetCheckInterval()
		logger.Printf("Reconciling every %v", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := driver.RunCycle(ctx); err != nil {
				if errors.Is(err, broker.ErrSessionExpired) {
					return fmt.Errorf("session expired mid-day: %w", err)
				}
				// Transient cycle failures retry on the next tick.
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err = g.Wait()
	logger.Printf("Stopped")
	return err
}

// ensureSession returns a usable access token: the stored one when still
// valid, otherwise a fresh login.
func ensureSession(ctx context.Context, cfg *config.Config, store *session.Store, logger *log.Logger) (string, error) {
	now := time.Now()
	if sess, err := store.Load(now); err == nil {
		logger.Printf("Reusing stored session from %s", sess.GeneratedAt.Format(time.RFC3339))
		return sess.AccessToken, nil
	} else if !errors.Is(err, session.ErrNoSession) && !errors.Is(err, session.ErrStale) {
		return "", err
	}

	logger.Printf("Running login flow")
	token, err := broker.Login(ctx, broker.LoginConfig{
		APIKey:     cfg.Broker.APIKey,
		APISecret:  cfg.Broker.APISecret,
		UserID:     cfg.Broker.UserID,
		Password:   cfg.Broker.Password,
		TOTPSecret: cfg.Broker.TOTPSecret,
		BaseURL:    cfg.Broker.BaseURL,
	}, logger)
	if err != nil {
		return "", err
	}
	if err := store.Save(session.Session{APIKey: cfg.Broker.APIKey, AccessToken: token, GeneratedAt: now}); err != nil {
		logger.Printf("Warning: persisting session: %v", err)
	}
	return token, nil
}

// paperBroker builds the in-memory gateway for paper mode, seeded with the
// cached instrument dump so lookups work without credentials.
func paperBroker(cfg *config.Config, logger *log.Logger) (broker.Broker, error) {
	m := mock.NewBroker(models.Margin{Available: paperMargin})
	dump, err := os.ReadFile(cfg.Storage.InstrumentsPath)
	if err != nil {
		return nil, fmt.Errorf("paper mode needs a cached instrument dump at %s: %w", cfg.Storage.InstrumentsPath, err)
	}
	m.SetDump(dump)
	logger.Printf("Paper mode: in-memory broker with %.0f margin", float64(paperMargin))
	return m, nil
}

// chainHolder makes the instrument cache swappable: the cycle driver and the
// engine read through it while the morning job replaces the chain.
type chainHolder struct {
	p atomic.Pointer[instruments.Cache]
}

func newChainHolder(c *instruments.Cache) *chainHolder {
	h := &chainHolder{}
	h.p.Store(c)
	return h
}

func (h *chainHolder) set(c *instruments.Cache) { h.p.Store(c) }

func (h *chainHolder) Lookup(exp time.Time, strike int, optionType models.OptionType) (models.Instrument, error) {
	return h.p.Load().Lookup(exp, strike, optionType)
}

func (h *chainHolder) BySymbol(symbol string) (models.Instrument, error) {
	return h.p.Load().BySymbol(symbol)
}

func (h *chainHolder) Calendar() expiry.Calendar {
	return h.p.Load().Calendar()
}

var _ instrumentSource = (*chainHolder)(nil)

// buildNotifier assembles the alert fan-out: the log always, Telegram when
// configured.
func buildNotifier(cfg *config.Config, logger *log.Logger) (notify.Notifier, error) {
	sinks := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return notify.NewMultiNotifier(sinks...), nil
}
