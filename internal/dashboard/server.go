// Package dashboard serves a read-only status view of the bot: live
// positions, the current risk picture, and recent reconciliation cycles. It
// never mutates anything; every trading decision stays in the engine.
package dashboard

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/kmenon/nifty_straddler/internal/journal"
	"github.com/kmenon/nifty_straddler/internal/models"
)

// StateProvider exposes the latest cycle's view. The second return is false
// until the first cycle has run.
type StateProvider interface {
	LastSnapshot() (models.PositionSnapshot, bool)
	LastRisk() (models.RiskState, bool)
}

// CycleReader reads the journal's recent cycles.
type CycleReader interface {
	RecentCycles(n int) ([]journal.CycleRecord, error)
}

// Config configures the dashboard server.
type Config struct {
	Listen    string
	AuthToken string
}

// Server is the read-only HTTP server.
type Server struct {
	httpServer *http.Server
	state      StateProvider
	cycles     CycleReader
	logger     *logrus.Logger
	authToken  string
}

// PositionView is one position row as the dashboard renders it.
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Strike        int     `json:"strike"`
	OptionType    string  `json:"option_type"`
	Expiry        string  `json:"expiry"`
	Quantity      int     `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	LastPrice     float64 `json:"last_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Role          string  `json:"role"`
}

// NewServer builds the server. A nil logger gets a standard logrus logger.
func NewServer(cfg Config, state StateProvider, cycles CycleReader, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		state:     state,
		cycles:    cycles,
		logger:    logger,
		authToken: cfg.AuthToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/positions", s.handlePositions)
		r.Get("/risk", s.handleRisk)
		r.Get("/cycles", s.handleCycles)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("listen", s.httpServer.Addr).Info("dashboard listening")
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

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("dashboard request")
	})
}

// requireToken gates the API when an auth token is configured. The landing
// page and health stay open for probes.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.Header.Get("X-Auth-Token") != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	snapshot, ok := s.state.LastSnapshot()
	if !ok {
		s.writeJSON(w, []PositionView{})
		return
	}
	views := make([]PositionView, 0, len(snapshot.Positions))
	for _, p := range snapshot.Active() {
		views = append(views, PositionView{
			Symbol:        p.Instrument.Symbol,
			Strike:        p.Instrument.Strike,
			OptionType:    string(p.Instrument.OptionType),
			Expiry:        p.Instrument.Expiry.Format("2006-01-02"),
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			LastPrice:     p.LastPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			Role:          string(p.Role),
		})
	}
	s.writeJSON(w, views)
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	risk, ok := s.state.LastRisk()
	if !ok {
		http.Error(w, "no cycle has run yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, risk)
}

func (s *Server) handleCycles(w http.ResponseWriter, _ *http.Request) {
	cycles, err := s.cycles.RecentCycles(50)
	if err != nil {
		s.logger.WithError(err).Error("reading recent cycles")
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	if cycles == nil {
		cycles = []journal.CycleRecord{}
	}
	s.writeJSON(w, cycles)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>nifty straddler</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
table { border-collapse: collapse; margin-top: 1em; }
td, th { border: 1px solid #444; padding: 4px 10px; text-align: right; }
th { background: #222; }
.neg { color: #e66; } .pos { color: #6e6; }
</style></head>
<body>
<h2>nifty straddler</h2>
<p>Spot {{printf "%.2f" .Risk.SpotPrice}} · PnL <span class="{{if lt .Risk.UnrealizedPnL 0.0}}neg{{else}}pos{{end}}">{{printf "%.2f" .Risk.UnrealizedPnL}}</span> · Margin {{printf "%.0f" .Risk.MarginAvailable}}</p>
<table>
<tr><th>Symbol</th><th>Qty</th><th>Entry</th><th>Last</th><th>PnL</th><th>Role</th></tr>
{{range .Positions}}<tr><td>{{.Symbol}}</td><td>{{.Quantity}}</td><td>{{printf "%.2f" .EntryPrice}}</td><td>{{printf "%.2f" .LastPrice}}</td><td class="{{if lt .UnrealizedPnL 0.0}}neg{{else}}pos{{end}}">{{printf "%.2f" .UnrealizedPnL}}</td><td>{{.Role}}</td></tr>
{{else}}<tr><td colspan="6">flat</td></tr>{{end}}
</table>
</body></html>`))

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var data struct {
		Risk      models.RiskState
		Positions []PositionView
	}
	if risk, ok := s.state.LastRisk(); ok {
		data.Risk = risk
	}
	if snapshot, ok := s.state.LastSnapshot(); ok {
		for _, p := range snapshot.Active() {
			data.Positions = append(data.Positions, PositionView{
				Symbol:        p.Instrument.Symbol,
				Quantity:      p.Quantity,
				EntryPrice:    p.EntryPrice,
				LastPrice:     p.LastPrice,
				UnrealizedPnL: p.UnrealizedPnL,
				Role:          string(p.Role),
			})
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("rendering index")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response")
	}
}
