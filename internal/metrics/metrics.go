// Package metrics exposes the bot's operational counters and gauges over a
// Prometheus endpoint, plus a liveness handler for process supervision.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the bot records.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	IntentsTotal     *prometheus.CounterVec
	PhaseErrorsTotal *prometheus.CounterVec
	ShutdownsTotal   prometheus.Counter
	CycleDuration    prometheus.Histogram
	UnrealizedPnL    prometheus.Gauge
	MarginAvailable  prometheus.Gauge
	MarketOpen       prometheus.Gauge
}

// New creates and registers the metric set on reg; a nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "straddler_cycles_total",
			Help: "Reconciliation cycles by result (ok, skipped, error).",
		}, []string{"result"}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "straddler_intents_total",
			Help: "Order intents executed, by action and tag.",
		}, []string{"action", "tag"}),
		PhaseErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "straddler_phase_errors_total",
			Help: "Engine phases that panicked or failed, by phase.",
		}, []string{"phase"}),
		ShutdownsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "straddler_shutdowns_total",
			Help: "Loss circuit breaker activations.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "straddler_cycle_duration_seconds",
			Help:    "Wall time of one full reconciliation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "straddler_unrealized_pnl_rupees",
			Help: "Book unrealized PnL at the last cycle.",
		}),
		MarginAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "straddler_margin_available_rupees",
			Help: "Available margin at the last cycle.",
		}),
		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "straddler_market_open",
			Help: "1 while the trading window is open.",
		}),
	}
	reg.MustRegister(
		m.CyclesTotal,
		m.IntentsTotal,
		m.PhaseErrorsTotal,
		m.ShutdownsTotal,
		m.CycleDuration,
		m.UnrealizedPnL,
		m.MarginAvailable,
		m.MarketOpen,
	)
	return m
}

// HealthStatus is the liveness payload.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Server serves /metrics and /healthz.
type Server struct {
	httpServer *http.Server
	logger     *log.Logger
}

// NewServer builds the metrics server over a dedicated registry gatherer; a
// nil gatherer uses the default.
func NewServer(listen string, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthStatus{Status: "ok", Timestamp: time.Now()})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Metrics server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
