package journal

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndReadCycles(t *testing.T) {
	j := openTestJournal(t)
	at := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

	id, err := j.RecordCycle(CycleRecord{
		At: at, Result: "ok", Spot: 21534.35, UnrealizedPnL: -4500,
		MarginAvailable: 960000, IntentCount: 2, WarningCount: 1,
	})
	if err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}
	if id == 0 {
		t.Fatal("cycle id must be assigned")
	}

	cycles, err := j.RecentCycles(10)
	if err != nil {
		t.Fatalf("RecentCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("want 1 cycle, got %d", len(cycles))
	}
	c := cycles[0]
	if c.Result != "ok" || c.Spot != 21534.35 || c.IntentCount != 2 || c.Shutdown {
		t.Errorf("cycle = %+v", c)
	}
}

func TestRecordIntentUnderCycle(t *testing.T) {
	j := openTestJournal(t)
	cycleID, err := j.RecordCycle(CycleRecord{At: time.Now(), Result: "ok"})
	if err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	err = j.RecordIntent(IntentRecord{
		CycleID:  cycleID,
		IntentID: "abc-123",
		At:       time.Now(),
		Action:   "SELL",
		Symbol:   "NIFTY26MAR21500CE",
		Quantity: 75,
		Tag:      "PRIMARY_SELL",
		OrderID:  "240105000001",
		Status:   "COMPLETE",
	})
	if err != nil {
		t.Fatalf("RecordIntent: %v", err)
	}
}

func TestSummaryAggregatesOneDay(t *testing.T) {
	j := openTestJournal(t)
	day := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)

	records := []CycleRecord{
		{At: day.Add(10 * time.Hour), Result: "ok", UnrealizedPnL: -2000, IntentCount: 2},
		{At: day.Add(11 * time.Hour), Result: "ok", UnrealizedPnL: 3500, IntentCount: 0},
		{At: day.Add(12 * time.Hour), Result: "ok", UnrealizedPnL: 1200.505, IntentCount: 1, Shutdown: true},
		// next day, must not count
		{At: day.Add(34 * time.Hour), Result: "ok", UnrealizedPnL: 99999, IntentCount: 9},
	}
	for _, r := range records {
		if _, err := j.RecordCycle(r); err != nil {
			t.Fatalf("RecordCycle: %v", err)
		}
	}

	summary, err := j.Summary(day)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Cycles != 3 || summary.Intents != 3 || summary.Shutdowns != 1 {
		t.Errorf("summary counts = %+v", summary)
	}
	if summary.MinPnL.StringFixed(2) != "-2000.00" {
		t.Errorf("MinPnL = %s", summary.MinPnL)
	}
	if summary.MaxPnL.StringFixed(2) != "3500.00" {
		t.Errorf("MaxPnL = %s", summary.MaxPnL)
	}
	if summary.ClosingPnL.StringFixed(2) != "1200.51" {
		t.Errorf("ClosingPnL = %s", summary.ClosingPnL)
	}
}

func TestSummaryEmptyDay(t *testing.T) {
	j := openTestJournal(t)
	summary, err := j.Summary(time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Cycles != 0 || summary.Intents != 0 {
		t.Errorf("empty day summary = %+v", summary)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j1, err := Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := j1.RecordCycle(CycleRecord{At: time.Now(), Result: "ok"}); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}
	j1.Close()

	j2, err := Open(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	cycles, err := j2.RecentCycles(10)
	if err != nil || len(cycles) != 1 {
		t.Errorf("reopened journal lost data: %v %v", cycles, err)
	}
}
