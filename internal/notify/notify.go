// Package notify delivers operational alerts: shutdowns, session expiry,
// stream loss, and the end-of-day summary. Delivery is best effort; a failed
// alert never aborts a trading cycle.
package notify

import (
	"context"
	"fmt"
	"log"
)

// Level grades an alert's urgency.
type Level string

const (
	// LevelInfo: routine events (entries placed, EOD summary).
	LevelInfo Level = "INFO"
	// LevelWarning: degraded but running (stream reconnects, skipped cycles).
	LevelWarning Level = "WARNING"
	// LevelCritical: needs a human (shutdown fired, login dead).
	LevelCritical Level = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level   Level
	Title   string
	Message string
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s: %s", a.Level, a.Title, a.Message)
}

// Notifier delivers alerts somewhere a human will see them.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the process log. It is the always-on fallback.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify writes the alert to the log.
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.logger.Printf("ALERT %s", alert)
	return nil
}

// MultiNotifier fans an alert out to several sinks. Every sink is attempted;
// the first error is returned after all have run.
type MultiNotifier struct {
	sinks []Notifier
}

// NewMultiNotifier combines sinks. Nil sinks are skipped.
func NewMultiNotifier(sinks ...Notifier) *MultiNotifier {
	out := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &MultiNotifier{sinks: out}
}

// Notify delivers to every sink.
func (n *MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, s := range n.sinks {
		if err := s.Notify(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MultiNotifier)(nil)
)
