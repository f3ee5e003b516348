// Package journal persists an audit trail of reconciliation cycles and the
// intents they produced to a local sqlite database. The journal is
// write-mostly; the dashboard and the end-of-day summary are its readers.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TIMESTAMP NOT NULL,
	result TEXT NOT NULL,
	spot REAL NOT NULL,
	unrealized_pnl REAL NOT NULL,
	margin_available REAL NOT NULL,
	intent_count INTEGER NOT NULL,
	warning_count INTEGER NOT NULL,
	shutdown INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycles_at ON cycles(at);

CREATE TABLE IF NOT EXISTS intents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id INTEGER NOT NULL REFERENCES cycles(id),
	intent_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	action TEXT NOT NULL,
	symbol TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	tag TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_intents_cycle ON intents(cycle_id);
`

// CycleRecord is one reconciliation cycle's outcome.
type CycleRecord struct {
	ID              int64
	At              time.Time
	Result          string // ok | skipped | error
	Spot            float64
	UnrealizedPnL   float64
	MarginAvailable float64
	IntentCount     int
	WarningCount    int
	Shutdown        bool
	Notes           string
}

// IntentRecord is one executed (or refused) intent.
type IntentRecord struct {
	CycleID  int64
	IntentID string
	At       time.Time
	Action   string
	Symbol   string
	Quantity int
	Tag      string
	OrderID  string
	Status   string
	Error    string
}

// DaySummary aggregates one trading day. Monetary aggregates are decimals so
// the end-of-day report never shows float dust.
type DaySummary struct {
	Day        string
	Cycles     int
	Intents    int
	Shutdowns  int
	MinPnL     decimal.Decimal
	MaxPnL     decimal.Decimal
	ClosingPnL decimal.Decimal
}

// String renders the summary for the end-of-day notification.
func (s DaySummary) String() string {
	return fmt.Sprintf("%s: %d cycles, %d intents, %d shutdowns, PnL close %s (range %s to %s)",
		s.Day, s.Cycles, s.Intents, s.Shutdowns,
		s.ClosingPnL.StringFixed(2), s.MinPnL.StringFixed(2), s.MaxPnL.StringFixed(2))
}

// Journal is the sqlite-backed audit store.
type Journal struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if needed) the journal database in WAL mode. WAL keeps
// cycle writes from blocking dashboard reads.
func Open(path string, logger *log.Logger) (*Journal, error) {
	if logger == nil {
		logger = log.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// sqlite allows one writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close releases the database.
func (j *Journal) Close() error { return j.db.Close() }

// RecordCycle appends one cycle and returns its id for intent rows.
func (j *Journal) RecordCycle(c CycleRecord) (int64, error) {
	res, err := j.db.Exec(
		`INSERT INTO cycles (at, result, spot, unrealized_pnl, margin_available, intent_count, warning_count, shutdown, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.At.UTC(), c.Result, c.Spot, c.UnrealizedPnL, c.MarginAvailable,
		c.IntentCount, c.WarningCount, boolToInt(c.Shutdown), c.Notes,
	)
	if err != nil {
		return 0, fmt.Errorf("recording cycle: %w", err)
	}
	return res.LastInsertId()
}

// RecordIntent appends one intent outcome under a cycle.
func (j *Journal) RecordIntent(r IntentRecord) error {
	_, err := j.db.Exec(
		`INSERT INTO intents (cycle_id, intent_id, at, action, symbol, quantity, tag, order_id, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CycleID, r.IntentID, r.At.UTC(), r.Action, r.Symbol, r.Quantity, r.Tag, r.OrderID, r.Status, r.Error,
	)
	if err != nil {
		return fmt.Errorf("recording intent: %w", err)
	}
	return nil
}

// RecentCycles returns the latest n cycles, newest first.
func (j *Journal) RecentCycles(n int) ([]CycleRecord, error) {
	rows, err := j.db.Query(
		`SELECT id, at, result, spot, unrealized_pnl, margin_available, intent_count, warning_count, shutdown, notes
		 FROM cycles ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("reading cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var c CycleRecord
		var shutdown int
		if err := rows.Scan(&c.ID, &c.At, &c.Result, &c.Spot, &c.UnrealizedPnL, &c.MarginAvailable,
			&c.IntentCount, &c.WarningCount, &shutdown, &c.Notes); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		c.Shutdown = shutdown != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// Summary aggregates the cycles of one calendar day (UTC day bounds of the
// given time's date).
func (j *Journal) Summary(day time.Time) (DaySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).UTC()
	end := start.Add(24 * time.Hour)

	summary := DaySummary{Day: day.Format("2006-01-02")}

	row := j.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(intent_count), 0), COALESCE(SUM(shutdown), 0)
		 FROM cycles WHERE at >= ? AND at < ?`, start, end)
	if err := row.Scan(&summary.Cycles, &summary.Intents, &summary.Shutdowns); err != nil {
		return DaySummary{}, fmt.Errorf("summarizing day: %w", err)
	}
	if summary.Cycles == 0 {
		return summary, nil
	}

	var minPnL, maxPnL, closingPnL float64
	row = j.db.QueryRow(
		`SELECT MIN(unrealized_pnl), MAX(unrealized_pnl),
		        (SELECT unrealized_pnl FROM cycles WHERE at >= ? AND at < ? ORDER BY id DESC LIMIT 1)
		 FROM cycles WHERE at >= ? AND at < ?`, start, end, start, end)
	if err := row.Scan(&minPnL, &maxPnL, &closingPnL); err != nil {
		return DaySummary{}, fmt.Errorf("summarizing pnl: %w", err)
	}
	summary.MinPnL = decimal.NewFromFloat(minPnL).Round(2)
	summary.MaxPnL = decimal.NewFromFloat(maxPnL).Round(2)
	summary.ClosingPnL = decimal.NewFromFloat(closingPnL).Round(2)
	return summary, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
