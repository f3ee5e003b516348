package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kmenon/nifty_straddler/internal/journal"
	"github.com/kmenon/nifty_straddler/internal/models"
)

type stubState struct {
	snapshot models.PositionSnapshot
	risk     models.RiskState
	ready    bool
}

func (s *stubState) LastSnapshot() (models.PositionSnapshot, bool) { return s.snapshot, s.ready }
func (s *stubState) LastRisk() (models.RiskState, bool)            { return s.risk, s.ready }

type stubCycles struct {
	cycles []journal.CycleRecord
	err    error
}

func (s *stubCycles) RecentCycles(int) ([]journal.CycleRecord, error) { return s.cycles, s.err }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testState() *stubState {
	return &stubState{
		ready: true,
		snapshot: models.PositionSnapshot{
			Positions: []models.Position{
				{
					Instrument: models.Instrument{
						Symbol: "NIFTY26MAR21500CE", Strike: 21500,
						OptionType: models.OptionCE,
						Expiry:     time.Date(2026, time.March, 26, 0, 0, 0, 0, time.UTC),
					},
					Quantity: -75, EntryPrice: 180, LastPrice: 160, UnrealizedPnL: 1500,
					Role: models.RolePrimarySell,
				},
				{Instrument: models.Instrument{Symbol: "SETTLED"}, Quantity: 0},
			},
		},
		risk: models.RiskState{UnrealizedPnL: 1500, MarginAvailable: 960000, SpotPrice: 21534.35, DataOK: true},
	}
}

func newTestServer(state StateProvider, cycles CycleReader, token string) *httptest.Server {
	s := NewServer(Config{AuthToken: token}, state, cycles, quietLogger())
	return httptest.NewServer(s.httpServer.Handler)
}

func TestPositionsEndpointRendersActiveOnly(t *testing.T) {
	srv := newTestServer(testState(), &stubCycles{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/positions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var views []PositionView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("settled positions must be hidden, got %d rows", len(views))
	}
	if views[0].Symbol != "NIFTY26MAR21500CE" || views[0].Role != "PRIMARY_SELL" {
		t.Errorf("view = %+v", views[0])
	}
}

func TestRiskEndpoint(t *testing.T) {
	srv := newTestServer(testState(), &stubCycles{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/risk")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var risk models.RiskState
	if err := json.NewDecoder(resp.Body).Decode(&risk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if risk.SpotPrice != 21534.35 || !risk.DataOK {
		t.Errorf("risk = %+v", risk)
	}
}

func TestRiskEndpointBeforeFirstCycle(t *testing.T) {
	srv := newTestServer(&stubState{}, &stubCycles{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/risk")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthTokenGatesAPIButNotHealth(t *testing.T) {
	srv := newTestServer(testState(), &stubCycles{}, "secret")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/positions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/positions", nil)
	req.Header.Set("X-Auth-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("token status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay open, status = %d", resp.StatusCode)
	}
}

func TestCyclesEndpoint(t *testing.T) {
	cycles := &stubCycles{cycles: []journal.CycleRecord{
		{ID: 2, Result: "ok", IntentCount: 1},
		{ID: 1, Result: "skipped"},
	}}
	srv := newTestServer(testState(), cycles, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/cycles")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got []journal.CycleRecord
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 {
		t.Errorf("cycles = %+v", got)
	}
}

func TestIndexRendersPositions(t *testing.T) {
	srv := newTestServer(testState(), &stubCycles{}, "")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "NIFTY26MAR21500CE") {
		t.Errorf("index missing position row: %s", body)
	}
}
