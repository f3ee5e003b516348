package metrics

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CyclesTotal.WithLabelValues("ok").Inc()
	m.IntentsTotal.WithLabelValues("SELL", "PRIMARY_SELL").Add(2)
	m.PhaseErrorsTotal.WithLabelValues("rollover").Inc()
	m.ShutdownsTotal.Inc()
	m.CycleDuration.Observe(0.2)
	m.UnrealizedPnL.Set(-4500)
	m.MarginAvailable.Set(960000)
	m.MarketOpen.Set(1)

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("cycles ok = %v", got)
	}
	if got := testutil.ToFloat64(m.IntentsTotal.WithLabelValues("SELL", "PRIMARY_SELL")); got != 2 {
		t.Errorf("intents = %v", got)
	}
	if got := testutil.ToFloat64(m.UnrealizedPnL); got != -4500 {
		t.Errorf("pnl gauge = %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) < 8 {
		t.Errorf("want all collectors registered, got %d families", len(families))
	}
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CyclesTotal.WithLabelValues("ok").Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, reg, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("metrics endpoint never came up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "straddler_cycles_total") {
		t.Errorf("metrics output missing counter: %s", body)
	}

	resp, err = http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	resp.Body.Close()
	if health.Status != "ok" {
		t.Errorf("health = %+v", health)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
